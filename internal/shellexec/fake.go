package shellexec

import (
	"context"
	"strings"
	"sync"
)

// Invocation records one call made through a FakeExecutor.
type Invocation struct {
	Argv []string
}

// Joined renders the invocation the way a log line would.
func (i Invocation) Joined() string {
	return strings.Join(i.Argv, " ")
}

// Script maps an argv prefix to a canned Result. The longest matching
// prefix wins; an unmatched command returns the FakeExecutor's default.
type Script struct {
	Prefix []string
	Result Result
	Err    error
}

// FakeExecutor is an in-memory Executor used by every test in this repo
// that would otherwise need a real kernel. It records every invocation
// and plays back scripted results, modeled on the injectable-function
// testing idiom the rest of this tree uses (e.g. monitor.CheckPingFunc).
type FakeExecutor struct {
	mu          sync.Mutex
	invocations []Invocation
	scripts     []Script
	Default     Result
}

// NewFake creates an empty FakeExecutor; every call succeeds with an empty
// Result unless a Script has been registered for it.
func NewFake() *FakeExecutor {
	return &FakeExecutor{}
}

// On registers a canned result for any argv beginning with prefix.
func (f *FakeExecutor) On(prefix []string, result Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, Script{Prefix: prefix, Result: result})
}

// OnError registers a canned start-failure for any argv beginning with prefix.
func (f *FakeExecutor) OnError(prefix []string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, Script{Prefix: prefix, Err: err})
}

// Run implements Executor.
func (f *FakeExecutor) Run(_ context.Context, argv ...string) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.invocations = append(f.invocations, Invocation{Argv: append([]string(nil), argv...)})

	best := -1
	for _, s := range f.scripts {
		if hasPrefix(argv, s.Prefix) && len(s.Prefix) > best {
			best = len(s.Prefix)
		}
	}
	if best >= 0 {
		for _, s := range f.scripts {
			if hasPrefix(argv, s.Prefix) && len(s.Prefix) == best {
				if s.Err != nil {
					return Result{}, s.Err
				}
				return s.Result, nil
			}
		}
	}
	return f.Default, nil
}

// Invocations returns every recorded call, in order.
func (f *FakeExecutor) Invocations() []Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Invocation(nil), f.invocations...)
}

// Calls returns every recorded invocation whose argv[0] is argv0, in order.
func (f *FakeExecutor) Calls(argv0 string) []Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Invocation
	for _, inv := range f.invocations {
		if len(inv.Argv) > 0 && inv.Argv[0] == argv0 {
			out = append(out, inv)
		}
	}
	return out
}

func hasPrefix(argv, prefix []string) bool {
	if len(prefix) > len(argv) {
		return false
	}
	for i, p := range prefix {
		if argv[i] != p {
			return false
		}
	}
	return true
}
