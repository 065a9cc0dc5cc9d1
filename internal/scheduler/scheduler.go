// Package scheduler evaluates time-bounded schedules and activates or
// deactivates their effects, per spec §3 and §4.8.
package scheduler

import (
	"context"
	"time"

	"hotspotd.dev/governor/internal/logging"
	"hotspotd.dev/governor/internal/policy"
	"hotspotd.dev/governor/internal/shaper"
)

const defaultQuotaPeriod = time.Hour

// Scheduler fires on a 60s cadence (driven by the caller) and enforces the
// at-most-one-active-schedule-per-device and exact-restoration invariants
// of spec §4.8.
type Scheduler struct {
	store     *policy.Store
	shaperMgr *shaper.Manager
	logger    *logging.Logger
}

// NewScheduler creates a Scheduler.
func NewScheduler(store *policy.Store, shaperMgr *shaper.Manager, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Scheduler{store: store, shaperMgr: shaperMgr, logger: logger.WithComponent("scheduler")}
}

// Evaluate runs the predicate for every schedule, in stable id order
// (first-evaluation-order tie-break), and applies activation or
// deactivation side effects. A disabled schedule never matches, so one
// that is disabled while active is deactivated here.
func (s *Scheduler) Evaluate(ctx context.Context, now time.Time) error {
	for _, sch := range s.store.Schedules() {
		active := Predicate(sch, now)
		currentID, hasActive := s.store.ActiveSchedule(sch.DeviceIP)

		switch {
		case active && !hasActive:
			if err := s.activate(ctx, sch, now); err != nil {
				s.logger.Warn("schedule activation failed", "schedule", sch.ID, "error", err)
				continue
			}
			s.store.SetActiveSchedule(sch.DeviceIP, sch.ID)

		case active && hasActive && currentID == sch.ID:
			// already active, nothing to do

		case active && hasActive && currentID != sch.ID:
			// Invariant 1: no preemption. The incoming schedule waits.

		case !active && hasActive && currentID == sch.ID:
			if err := s.Deactivate(ctx, sch); err != nil {
				s.logger.Warn("schedule deactivation failed", "schedule", sch.ID, "error", err)
				continue
			}
			s.store.ClearActiveSchedule(sch.DeviceIP)
		}
	}
	return nil
}

// Predicate reports whether sch should be active at now, per spec §3:
// enabled AND date window AND repeat-mode AND wall-clock window (with
// wrap-over-midnight).
func Predicate(sch *policy.Schedule, now time.Time) bool {
	if !sch.IsEnabled {
		return false
	}
	if sch.StartDate != nil && now.Before(*sch.StartDate) {
		return false
	}
	if sch.EndDate != nil && now.After(*sch.EndDate) {
		return false
	}
	if !repeatMatches(sch, now) {
		return false
	}
	return withinWallClockWindow(sch.StartTime, sch.EndTime, now)
}

func repeatMatches(sch *policy.Schedule, now time.Time) bool {
	switch sch.RepeatMode {
	case policy.RepeatOnce:
		return sch.StartDate == nil || sameDay(*sch.StartDate, now)
	case policy.RepeatDaily:
		return true
	case policy.RepeatWeekdays:
		d := now.Weekday()
		return d >= time.Monday && d <= time.Friday
	case policy.RepeatWeekends:
		d := now.Weekday()
		return d == time.Saturday || d == time.Sunday
	case policy.RepeatCustom:
		return sch.CustomDays[int(now.Weekday())]
	default:
		return false
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// withinWallClockWindow implements "start > end means active when
// now >= start OR now <= end" (wrap-over-midnight).
func withinWallClockWindow(start, end time.Duration, now time.Time) bool {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	nowOffset := now.Sub(midnight)
	if start <= end {
		return nowOffset >= start && nowOffset <= end
	}
	return nowOffset >= start || nowOffset <= end
}

// activate captures PreScheduleState on first activation, then installs
// the schedule's effect.
func (s *Scheduler) activate(ctx context.Context, sch *policy.Schedule, now time.Time) error {
	pre := policy.PreScheduleState{DeviceIP: sch.DeviceIP, Kind: policy.PreScheduleNone}
	if limit, ok := s.store.ManualLimit(sch.DeviceIP); ok {
		pre.Kind = policy.PreScheduleLimit
		pre.Limit = limit
	} else if q, ok := s.store.Quota(sch.DeviceIP); ok {
		pre.Kind = policy.PreScheduleQuota
		pre.Quota = q
	}
	s.store.SetPreScheduleState(pre)

	s.store.RemoveAdaptive(sch.DeviceIP)

	switch sch.RuleType {
	case policy.RuleLimit:
		_, err := s.shaperMgr.ApplyLimit(ctx, sch.DeviceIP, sch.LimitDLKbps, sch.LimitULKbps, sch.Priority)
		return err
	case policy.RuleQuota:
		period := sch.QuotaPeriodSecond
		if period == 0 {
			period = int64(defaultQuotaPeriod / time.Second)
		}
		s.store.SetQuota(policy.Quota{
			IP: sch.DeviceIP, LimitDLBytes: sch.QuotaDLBytes, LimitULBytes: sch.QuotaULBytes,
			PeriodSeconds: period, StartTime: now,
		})
	}
	return nil
}

// Deactivate restores the PreScheduleState captured at activation.
func (s *Scheduler) Deactivate(ctx context.Context, sch *policy.Schedule) error {
	pre, ok := s.store.PreScheduleState(sch.DeviceIP)
	if !ok {
		pre = policy.PreScheduleState{DeviceIP: sch.DeviceIP, Kind: policy.PreScheduleNone}
	}
	defer s.store.ClearPreScheduleState(sch.DeviceIP)

	switch pre.Kind {
	case policy.PreScheduleLimit:
		s.store.RemoveQuota(sch.DeviceIP)
		_, err := s.shaperMgr.ApplyLimit(ctx, sch.DeviceIP, pre.Limit.DownloadKbps, pre.Limit.UploadKbps, pre.Limit.Priority)
		return err
	case policy.PreScheduleQuota:
		s.store.SetQuota(pre.Quota)
		return s.shaperMgr.RemoveLimit(ctx, sch.DeviceIP)
	default:
		s.store.RemoveQuota(sch.DeviceIP)
		return s.shaperMgr.RemoveLimit(ctx, sch.DeviceIP)
	}
}
