// Package accounting implements the per-tick byte-counter reconciliation
// loop of spec §4.5.
package accounting

import (
	"context"
	"time"

	"hotspotd.dev/governor/internal/firewall"
	"hotspotd.dev/governor/internal/inventory"
	"hotspotd.dev/governor/internal/logging"
	"hotspotd.dev/governor/internal/policy"
	"hotspotd.dev/governor/internal/quota"
	"hotspotd.dev/governor/internal/shaper"
	"hotspotd.dev/governor/internal/wire"
)

// UsageRecorder is the narrow persistence slice the loop needs for the
// usage log (spec §4.5 step 6).
type UsageRecorder interface {
	RecordUsage(ip string, rxDelta, txDelta int64, at time.Time) error
}

// Broadcaster publishes an outbound envelope to every connected client.
type Broadcaster interface {
	Broadcast(env wire.Envelope)
}

// deviceState is the loop's own per-device counter bookkeeping — entirely
// separate from the policy store, since it is accounting-internal state
// no other component needs to see.
type deviceState struct {
	lastRawRx, lastRawTx int64
	totalRx, totalTx     int64
	rxSpeedBps, txSpeedBps int64
}

// Loop ties the inventory, shaper, firewall counters, and quota engine
// together into the 1s accounting tick.
type Loop struct {
	inventoryMgr *inventory.Manager
	shaperMgr    *shaper.Manager
	firewallMgr  *firewall.Manager
	quotaEngine  *quota.Engine
	store        *policy.Store
	usage        UsageRecorder
	broadcaster  Broadcaster
	logger       *logging.Logger

	state map[string]*deviceState

	lastAggRx, lastAggTx int64
}

// LastAggregate returns the aggregate rx/tx bytes-per-second observed on the
// most recent Tick, for the supervisor's metrics gauges.
func (l *Loop) LastAggregate() (rxBps, txBps int64) {
	return l.lastAggRx, l.lastAggTx
}

// NewLoop creates an accounting Loop. usage/broadcaster may be nil in
// tests that only need the counter/quota math.
func NewLoop(
	inventoryMgr *inventory.Manager,
	shaperMgr *shaper.Manager,
	firewallMgr *firewall.Manager,
	quotaEngine *quota.Engine,
	store *policy.Store,
	usage UsageRecorder,
	broadcaster Broadcaster,
	logger *logging.Logger,
) *Loop {
	if logger == nil {
		logger = logging.Default()
	}
	return &Loop{
		inventoryMgr: inventoryMgr,
		shaperMgr:    shaperMgr,
		firewallMgr:  firewallMgr,
		quotaEngine:  quotaEngine,
		store:        store,
		usage:        usage,
		broadcaster:  broadcaster,
		logger:       logger.WithComponent("accounting"),
		state:        make(map[string]*deviceState),
	}
}

// Tick runs the seven numbered steps of spec §4.5 once.
func (l *Loop) Tick(ctx context.Context) error {
	now := time.Now()

	// 1. Refresh the inventory.
	newlyObserved, err := l.inventoryMgr.Reconcile(ctx)
	if err != nil {
		l.logger.Warn("inventory reconcile failed", "error", err)
	}
	if len(newlyObserved) > 0 {
		if err := l.firewallMgr.ApplyMonitoring(ctx, newlyObserved); err != nil {
			l.logger.Warn("failed to extend monitoring chain", "error", err)
		}
	}

	devices := l.store.Devices()

	// 2. Read raw byte counters: shaper for classed devices, else the
	// monitoring chain.
	dlCounters, ulCounters, err := l.shaperMgr.Counters(ctx)
	if err != nil {
		l.logger.Warn("failed to read shaper counters", "error", err)
		dlCounters, ulCounters = map[int]int64{}, map[int]int64{}
	}

	fwRx, fwTx, err := l.firewallMgr.Counters(ctx)
	if err != nil {
		l.logger.Warn("failed to read monitoring chain counters", "error", err)
		fwRx, fwTx = map[string]int64{}, map[string]int64{}
	}

	var aggRx, aggTx int64
	var rows []wire.DeviceRow

	for _, d := range devices {
		st, ok := l.state[d.IP]
		if !ok {
			st = &deviceState{}
			l.state[d.IP] = st
		}

		var rawRx, rawTx int64
		if cls, ok := l.shaperMgr.Class(d.IP); ok {
			rawRx = dlCounters[cls.ClassID]
			rawTx = ulCounters[cls.ClassID]
		} else {
			rawRx = fwRx[d.IP]
			rawTx = fwTx[d.IP]
		}

		// 3. Compute deltas; a decrease means the counter was reset.
		rxDelta := rawRx - st.lastRawRx
		if rxDelta < 0 {
			rxDelta = rawRx
		}
		txDelta := rawTx - st.lastRawTx
		if txDelta < 0 {
			txDelta = rawTx
		}
		st.lastRawRx = rawRx
		st.lastRawTx = rawTx

		// 4. Update session totals and instantaneous speed (1s tick).
		st.totalRx += rxDelta
		st.totalTx += txDelta
		st.rxSpeedBps = rxDelta
		st.txSpeedBps = txDelta
		aggRx += rxDelta
		aggTx += txDelta

		// 5. Feed deltas to the quota engine.
		throttled, err := l.quotaEngine.Tick(ctx, d.IP, rxDelta, txDelta, now)
		if err != nil {
			l.logger.Warn("quota tick failed", "ip", d.IP, "error", err)
		}

		// 6. Append non-zero deltas to the usage log.
		if l.usage != nil && (rxDelta != 0 || txDelta != 0) {
			if err := l.usage.RecordUsage(d.IP, rxDelta, txDelta, now); err != nil {
				l.logger.Warn("failed to record usage", "ip", d.IP, "error", err)
			}
		}

		row := wire.DeviceRow{
			IP: d.IP, MAC: d.MAC, Hostname: d.Hostname, Active: d.Active,
			RxSpeedBps: st.rxSpeedBps, TxSpeedBps: st.txSpeedBps,
			TotalRxBytes: st.totalRx, TotalTxBytes: st.totalTx,
			QuotaThrottled: throttled,
		}
		if limit, ok := l.store.ManualLimit(d.IP); ok {
			row.ManualLimitKbps = &wire.LimitEcho{DownloadKbps: limit.DownloadKbps, UploadKbps: limit.UploadKbps, Priority: limit.Priority}
		}
		if id, ok := l.store.ActiveSchedule(d.IP); ok {
			row.ActiveScheduleID = id
		}
		rows = append(rows, row)
	}

	l.lastAggRx, l.lastAggTx = aggRx, aggTx

	// 7. Emit one broadcast snapshot.
	if l.broadcaster != nil {
		l.broadcaster.Broadcast(wire.NewNetworkSnapshot(wire.NetworkSnapshot{
			Timestamp: now, AggregateRxBps: aggRx, AggregateTxBps: aggTx, Devices: rows,
		}))
	}
	return nil
}
