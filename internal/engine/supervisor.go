// Package engine wires the accounting, scheduler, adaptive, and command
// subsystems into the three cooperative tasks of spec §5, expressed as
// goroutines over a shared, per-device-mutex-guarded policy.Store.
package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"hotspotd.dev/governor/internal/accounting"
	"hotspotd.dev/governor/internal/adaptive"
	"hotspotd.dev/governor/internal/command"
	"hotspotd.dev/governor/internal/firewall"
	"hotspotd.dev/governor/internal/logging"
	"hotspotd.dev/governor/internal/metrics"
	"hotspotd.dev/governor/internal/policy"
	"hotspotd.dev/governor/internal/scheduler"
	"hotspotd.dev/governor/internal/shaper"
	"hotspotd.dev/governor/internal/wire"
)

// Default tick cadences, used when the caller passes a zero duration to New.
const (
	DefaultAccountingInterval = time.Second
	DefaultSchedulerInterval  = 60 * time.Second
)

// Supervisor runs the accounting loop (@1s), the scheduler+adaptive loop
// (@60s), and owns graceful shutdown per spec §5's cancellation sequence.
type Supervisor struct {
	store       *policy.Store
	shaperMgr   *shaper.Manager
	firewallMgr *firewall.Manager
	accounting  *accounting.Loop
	scheduler   *scheduler.Scheduler
	adaptive    *adaptive.Controller
	dispatcher  *command.Dispatcher
	hub         *wire.Hub
	logger      *logging.Logger
	metrics     *metrics.Collector

	accountingInterval time.Duration
	schedulerInterval  time.Duration
}

// New builds a Supervisor from its already-constructed subsystems. collector
// may be nil, in which case the per-tick gauge updates are skipped.
// accountingInterval/schedulerInterval fall back to the package defaults
// (matching config.Defaults()'s 1s/60s) when zero.
func New(
	store *policy.Store,
	shaperMgr *shaper.Manager,
	firewallMgr *firewall.Manager,
	acctLoop *accounting.Loop,
	sched *scheduler.Scheduler,
	adaptiveCtrl *adaptive.Controller,
	dispatcher *command.Dispatcher,
	hub *wire.Hub,
	logger *logging.Logger,
	collector *metrics.Collector,
	accountingInterval, schedulerInterval time.Duration,
) *Supervisor {
	if logger == nil {
		logger = logging.Default()
	}
	if accountingInterval <= 0 {
		accountingInterval = DefaultAccountingInterval
	}
	if schedulerInterval <= 0 {
		schedulerInterval = DefaultSchedulerInterval
	}
	return &Supervisor{
		store: store, shaperMgr: shaperMgr, firewallMgr: firewallMgr,
		accounting: acctLoop, scheduler: sched, adaptive: adaptiveCtrl,
		dispatcher: dispatcher, hub: hub, logger: logger.WithComponent("engine"),
		metrics:            collector,
		accountingInterval: accountingInterval,
		schedulerInterval:  schedulerInterval,
	}
}

// HandleCommand adapts the Supervisor's dispatcher to wire.CommandHandler,
// so the hub's command listener feeds the dispatcher in receive order.
func (s *Supervisor) HandleCommand(ctx context.Context, cmdType string, data json.RawMessage, correlationID string) wire.Envelope {
	return s.dispatcher.Dispatch(ctx, cmdType, data, correlationID)
}

// Run starts the accounting and scheduler tasks and blocks until ctx is
// canceled, then performs the shutdown sequence of spec §5: a final
// scheduler deactivation pass, an adaptive clear, and shaper/firewall
// cleanup. Shutdown is idempotent.
func (s *Supervisor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		s.runAccountingLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		s.runSchedulerLoop(ctx)
	}()

	<-ctx.Done()
	wg.Wait()

	return s.shutdown()
}

func (s *Supervisor) runAccountingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.accountingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.accounting.Tick(ctx); err != nil {
				s.logger.Warn("accounting tick failed", "error", err)
			}
			s.recordAccountingMetrics()
		}
	}
}

func (s *Supervisor) recordAccountingMetrics() {
	if s.metrics == nil {
		return
	}
	s.metrics.DevicesActive.Set(float64(len(s.store.Devices())))
	throttled := 0
	for _, q := range s.store.Quotas() {
		if q.IsThrottled {
			throttled++
		}
	}
	s.metrics.QuotaThrottled.Set(float64(throttled))
	s.metrics.AdaptiveLimited.Set(float64(len(s.store.AdaptiveDevices())))
	rxBps, txBps := s.accounting.LastAggregate()
	s.metrics.AggregateRxBps.Set(float64(rxBps))
	s.metrics.AggregateTxBps.Set(float64(txBps))
}

func (s *Supervisor) runSchedulerLoop(ctx context.Context) {
	ticker := time.NewTicker(s.schedulerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := s.scheduler.Evaluate(ctx, now); err != nil {
				s.logger.Warn("scheduler evaluation failed", "error", err)
			}
			if err := s.adaptive.Evaluate(ctx, now); err != nil {
				s.logger.Warn("adaptive evaluation failed", "error", err)
			}
			if s.metrics != nil {
				s.metrics.SchedulerEvaluated.Inc()
				s.metrics.CongestionRatio.Set(s.adaptive.LastCongestionRatio())
			}
		}
	}
}

// shutdown runs the final deactivation pass and kernel cleanup, using a
// fresh background context (no deadline) since ctx is already canceled.
func (s *Supervisor) shutdown() error {
	bg := context.Background()

	for ip, id := range s.store.ActiveSchedules() {
		sch, ok := s.store.Schedule(id)
		if !ok {
			continue
		}
		if err := s.scheduler.Deactivate(bg, sch); err != nil {
			s.logger.Warn("final schedule deactivation failed", "ip", ip, "schedule", id, "error", err)
			continue
		}
		s.store.ClearActiveSchedule(ip)
	}

	for _, ip := range s.store.AdaptiveDevices() {
		if err := s.shaperMgr.RemoveLimit(bg, ip); err != nil {
			s.logger.Warn("failed to clear adaptive class on shutdown", "ip", ip, "error", err)
		}
		s.store.RemoveAdaptive(ip)
	}

	if err := s.shaperMgr.Cleanup(bg); err != nil {
		s.logger.Warn("shaper cleanup failed on shutdown", "error", err)
	}
	if err := s.firewallMgr.Cleanup(bg); err != nil {
		s.logger.Warn("firewall cleanup failed on shutdown", "error", err)
	}
	return nil
}
