// Package quota implements the period-rollover and throttle transition
// table of spec §4.6.
package quota

import (
	"context"
	"time"

	"hotspotd.dev/governor/internal/logging"
	"hotspotd.dev/governor/internal/policy"
	"hotspotd.dev/governor/internal/shaper"
)

// hardCapDownloadKbps/UploadKbps/Priority are the fixed parameters of the
// hard-cap class installed once a device's quota is exceeded.
const (
	hardCapDownloadKbps = 8
	hardCapUploadKbps   = 8
	hardCapPriority     = 0
)

// Persister is the narrow slice of store.Store the quota engine needs, so
// this package does not import database/sql directly.
type Persister interface {
	SaveQuota(q policy.Quota) error
}

// Engine evaluates every device's quota once per accounting tick.
type Engine struct {
	store     *policy.Store
	shaperMgr *shaper.Manager
	persist   Persister
	logger    *logging.Logger
}

// NewEngine creates a quota Engine. persist may be nil, in which case
// quota state is held in memory only (used in tests).
func NewEngine(store *policy.Store, shaperMgr *shaper.Manager, persist Persister, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{store: store, shaperMgr: shaperMgr, persist: persist, logger: logger.WithComponent("quota")}
}

// Tick applies rxDelta/txDelta for ip against its quota, if one exists,
// evaluates the transition table, and persists the result. It reports
// whether the device is throttled after this tick.
func (e *Engine) Tick(ctx context.Context, ip string, rxDelta, txDelta int64, now time.Time) (throttled bool, err error) {
	q, ok := e.store.Quota(ip)
	if !ok {
		return false, nil
	}

	wasThrottled := q.IsThrottled

	if q.Expired(now) {
		q.UsedDLBytes = 0
		q.UsedULBytes = 0
		q.StartTime = now
		if wasThrottled {
			if err := e.restore(ctx, ip); err != nil {
				return false, err
			}
			q.IsThrottled = false
			wasThrottled = false
		}
	}

	q.UsedDLBytes += rxDelta
	q.UsedULBytes += txDelta

	exceeded := q.Exceeded()

	switch {
	case !wasThrottled && !exceeded:
		// no-op
	case !wasThrottled && exceeded:
		if _, err := e.shaperMgr.ApplyLimit(ctx, ip, hardCapDownloadKbps, hardCapUploadKbps, hardCapPriority); err != nil {
			return false, err
		}
		e.store.RemoveAdaptive(ip)
		q.IsThrottled = true
	case wasThrottled && exceeded:
		// no-op
	case wasThrottled && !exceeded:
		if err := e.restore(ctx, ip); err != nil {
			return false, err
		}
		q.IsThrottled = false
	}

	e.store.SetQuota(q)
	if e.persist != nil {
		if err := e.persist.SaveQuota(q); err != nil {
			e.logger.Warn("failed to persist quota", "ip", ip, "error", err)
		}
	}
	return q.IsThrottled, nil
}

// restore re-applies the device's manual limit if one exists, otherwise
// removes its shaper class entirely.
func (e *Engine) restore(ctx context.Context, ip string) error {
	if limit, ok := e.store.ManualLimit(ip); ok {
		_, err := e.shaperMgr.ApplyLimit(ctx, ip, limit.DownloadKbps, limit.UploadKbps, limit.Priority)
		return err
	}
	return e.shaperMgr.RemoveLimit(ctx, ip)
}
