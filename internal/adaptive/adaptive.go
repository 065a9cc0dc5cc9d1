// Package adaptive implements the forecast-driven congestion controller
// of spec §4.9.
package adaptive

import (
	"context"
	"time"

	"hotspotd.dev/governor/internal/logging"
	"hotspotd.dev/governor/internal/policy"
	"hotspotd.dev/governor/internal/shaper"
)

const (
	congestionHighThreshold = 0.85
	congestionLowThreshold  = 0.5

	fairUseDownloadKbps = 1024
	fairUseUploadKbps   = 256
	fairUsePriority     = 7

	forecastWindow = time.Hour
)

// Controller evaluates the forecast against available capacity and
// applies or lifts the fair-use class.
type Controller struct {
	store     *policy.Store
	shaperMgr *shaper.Manager
	logger    *logging.Logger

	lastRatio float64
}

// LastCongestionRatio returns the ratio computed on the most recent
// Evaluate call, for the supervisor's metrics gauge.
func (c *Controller) LastCongestionRatio() float64 {
	return c.lastRatio
}

// NewController creates an adaptive Controller.
func NewController(store *policy.Store, shaperMgr *shaper.Manager, logger *logging.Logger) *Controller {
	if logger == nil {
		logger = logging.Default()
	}
	return &Controller{store: store, shaperMgr: shaperMgr, logger: logger.WithComponent("adaptive")}
}

// Congestion returns the peak forecast Kbps in (now, now+1h] divided by
// available download Kbps, or 0 if there is no forecast data or no known
// capacity.
func Congestion(points []policy.ForecastPoint, capacity policy.Capacity, now time.Time) float64 {
	if capacity.AvailableDownloadKbps <= 0 {
		return 0
	}
	var peakKbps float64
	horizon := now.Add(forecastWindow)
	for _, p := range points {
		if p.Timestamp.After(now) && !p.Timestamp.After(horizon) {
			kbps := bytesPerIntervalToKbps(p.PredictedBytes)
			if kbps > peakKbps {
				peakKbps = kbps
			}
		}
	}
	return peakKbps / float64(capacity.AvailableDownloadKbps)
}

// bytesPerIntervalToKbps assumes each forecast point represents a 15-minute
// trainer aggregation bucket, per the worked S4 scenario (10e6 bytes over a
// 15-minute bucket ≈ 89 kbps; 1.2e9 bytes ≈ 10.7 Mbps).
func bytesPerIntervalToKbps(bytes int64) float64 {
	const intervalSeconds = 15 * 60
	bits := float64(bytes) * 8
	return bits / intervalSeconds / 1000
}

// Evaluate applies or lifts the fair-use class on every eligible device,
// per the >0.85 / <0.5 thresholds.
func (c *Controller) Evaluate(ctx context.Context, now time.Time) error {
	ratio := Congestion(c.store.Forecast(), c.store.Capacity(), now)
	c.lastRatio = ratio

	switch {
	case ratio > congestionHighThreshold:
		for _, d := range c.store.Devices() {
			if !d.Active || c.ineligible(d.IP) {
				continue
			}
			if c.store.IsAdaptive(d.IP) {
				continue
			}
			if _, err := c.shaperMgr.ApplyLimit(ctx, d.IP, fairUseDownloadKbps, fairUseUploadKbps, fairUsePriority); err != nil {
				c.logger.Warn("failed to apply fair-use class", "ip", d.IP, "error", err)
				continue
			}
			c.store.AddAdaptive(d.IP)
		}

	case ratio < congestionLowThreshold:
		for _, ip := range c.store.AdaptiveDevices() {
			if c.ineligible(ip) {
				c.store.RemoveAdaptive(ip)
				continue
			}
			if err := c.shaperMgr.RemoveLimit(ctx, ip); err != nil {
				c.logger.Warn("failed to remove fair-use class", "ip", ip, "error", err)
				continue
			}
			c.store.RemoveAdaptive(ip)
		}
	}
	return nil
}

// ineligible reports whether ip already carries a manual limit, an active
// quota throttle, or an active schedule — any of which take precedence
// over the adaptive controller.
func (c *Controller) ineligible(ip string) bool {
	if _, ok := c.store.ManualLimit(ip); ok {
		return true
	}
	if q, ok := c.store.Quota(ip); ok && q.IsThrottled {
		return true
	}
	if _, ok := c.store.ActiveSchedule(ip); ok {
		return true
	}
	return false
}
