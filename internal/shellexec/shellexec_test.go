package shellexec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFakeExecutorRecordsAndReplays(t *testing.T) {
	fe := NewFake()
	fe.On([]string{"tc", "class", "add"}, Result{ExitCode: 2, Stderr: "RTNETLINK answers: File exists"})

	res, err := fe.Run(context.Background(), "tc", "class", "add", "dev", "eth0")
	require.NoError(t, err)
	require.Equal(t, 2, res.ExitCode)
	require.Contains(t, res.Stderr, "File exists")

	calls := fe.Calls("tc")
	require.Len(t, calls, 1)
	require.Equal(t, "tc class add dev eth0", calls[0].Joined())
}

func TestFakeExecutorDefaultResultForUnscripted(t *testing.T) {
	fe := NewFake()
	res, err := fe.Run(context.Background(), "iptables", "-F", "hotspot_acl")
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
}

func TestRealExecutorRunsAndCapturesOutput(t *testing.T) {
	ex := New()
	res, err := ex.Run(context.Background(), "echo", "hello")
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Contains(t, res.Stdout, "hello")
}
