// Command hotspotd is the governor daemon: it loads its bootstrap
// configuration, opens the policy store, and runs the accounting,
// scheduler/adaptive, and command-bus tasks until signaled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hotspotd.dev/governor/internal/accounting"
	"hotspotd.dev/governor/internal/adaptive"
	"hotspotd.dev/governor/internal/command"
	"hotspotd.dev/governor/internal/config"
	"hotspotd.dev/governor/internal/engine"
	"hotspotd.dev/governor/internal/firewall"
	"hotspotd.dev/governor/internal/inventory"
	"hotspotd.dev/governor/internal/logging"
	"hotspotd.dev/governor/internal/metrics"
	"hotspotd.dev/governor/internal/policy"
	"hotspotd.dev/governor/internal/quota"
	"hotspotd.dev/governor/internal/scheduler"
	"hotspotd.dev/governor/internal/shaper"
	"hotspotd.dev/governor/internal/shellexec"
	"hotspotd.dev/governor/internal/store"
	"hotspotd.dev/governor/internal/wire"
)

func main() {
	if err := run(); err != nil {
		logging.Default().Error("fatal startup error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/hotspotd/governor.hcl", "path to the bootstrap config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(logging.DefaultConfig())
	logging.SetDefault(logger)

	_, network, err := net.ParseCIDR(cfg.Network)
	if err != nil {
		return fmt.Errorf("parse network %q: %w", cfg.Network, err)
	}

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open policy store: %w", err)
	}
	defer db.Close()

	st := policy.New()
	if err := loadPersistedState(st, db); err != nil {
		return fmt.Errorf("load persisted state: %w", err)
	}

	collector := metrics.New()
	st.SetMetrics(collector)

	inventory.ProbeTimeout = cfg.ProbeTimeout()

	exec := shellexec.NewWithTimeout(cfg.ShellTimeout())
	firewallMgr := firewall.NewManager(exec, logger, cfg.HotspotInterface)
	shaperMgr := shaper.NewManager(exec, logger, cfg.HotspotInterface, cfg.IFBDevice)
	inventoryMgr := inventory.NewManager(exec, logger, st, cfg.HotspotInterface, network, cfg.DHCPLeasePaths)
	quotaEngine := quota.NewEngine(st, shaperMgr, db, logger)
	sched := scheduler.NewScheduler(st, shaperMgr, logger)
	adaptiveCtrl := adaptive.NewController(st, shaperMgr, logger)

	hub := wire.NewHub(nil, logger)
	acctLoop := accounting.NewLoop(inventoryMgr, shaperMgr, firewallMgr, quotaEngine, st, db, hub, logger)
	dispatcher := command.NewDispatcher(st, shaperMgr, firewallMgr, db, hub, logger)

	sup := engine.New(st, shaperMgr, firewallMgr, acctLoop, sched, adaptiveCtrl, dispatcher, hub, logger, collector,
		cfg.AccountingInterval(), cfg.ScheduleInterval())
	hub.SetHandler(sup.HandleCommand)

	mux := hub.Router()
	mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry, promhttp.HandlerOpts{}))

	srvCfg := wire.DefaultServerConfig()
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: srvCfg.ReadHeaderTimeout,
		ReadTimeout:       srvCfg.ReadTimeout,
		WriteTimeout:      srvCfg.WriteTimeout,
		IdleTimeout:       srvCfg.IdleTimeout,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
		}
	}()

	runErr := sup.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown failed", "error", err)
	}

	return runErr
}

// loadPersistedState replays every persisted map into the in-memory store,
// per spec §5: "a restart must find the same state... by replaying the
// persisted maps."
func loadPersistedState(st *policy.Store, db *store.Store) error {
	limits, err := db.Limits()
	if err != nil {
		return fmt.Errorf("load limits: %w", err)
	}
	for _, l := range limits {
		st.SetManualLimit(l)
	}

	quotas, err := db.Quotas()
	if err != nil {
		return fmt.Errorf("load quotas: %w", err)
	}
	for _, q := range quotas {
		st.SetQuota(q)
	}

	schedules, err := db.Schedules()
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	for _, sch := range schedules {
		st.SaveSchedule(sch)
	}

	blocked, allowed, err := db.MACList()
	if err != nil {
		return fmt.Errorf("load mac access list: %w", err)
	}
	for _, mac := range blocked {
		st.AddBlockedMAC(mac)
	}
	for _, mac := range allowed {
		st.AddAllowedMAC(mac)
	}

	v4, v6, err := db.IPBlockList()
	if err != nil {
		return fmt.Errorf("load ip block list: %w", err)
	}
	for _, entry := range v4 {
		st.AddIPBlock(entry, false)
	}
	for _, entry := range v6 {
		st.AddIPBlock(entry, true)
	}

	if mode, ok, err := db.Setting("access_control_mode"); err == nil && ok {
		st.SetACMode(policy.ParseACMode(mode))
	}
	if isolation, ok, err := db.Setting("client_isolation"); err == nil && ok {
		st.SetIsolation(isolation == "1")
	}

	forecast, err := db.Forecast()
	if err != nil {
		return fmt.Errorf("load forecast: %w", err)
	}
	st.SetForecast(forecast)

	return nil
}
