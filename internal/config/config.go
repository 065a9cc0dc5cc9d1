package config

import (
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"hotspotd.dev/governor/internal/errors"
)

// Config is the governor's bootstrap configuration, decoded from an HCL
// file at startup. It never changes at runtime; runtime policy lives in
// the sqlite-backed policy store.
type Config struct {
	HotspotInterface string       `hcl:"hotspot_interface"`
	IFBDevice        string       `hcl:"ifb_device,optional"`
	Network          string       `hcl:"network"` // e.g. "192.168.12.0/24"
	SSID             string       `hcl:"ssid,optional"`
	Password         SecureString `hcl:"password,optional"`

	DatabasePath string `hcl:"database_path,optional"`
	ListenAddr   string `hcl:"listen_addr,optional"` // websocket/API bind address

	AccountingIntervalSeconds int `hcl:"accounting_interval_seconds,optional"`
	ScheduleIntervalSeconds   int `hcl:"schedule_interval_seconds,optional"`
	ForecastIntervalMinutes   int `hcl:"forecast_interval_minutes,optional"`

	ShellTimeoutSeconds int `hcl:"shell_timeout_seconds,optional"`
	ProbeTimeoutSeconds int `hcl:"probe_timeout_seconds,optional"`

	DHCPLeasePaths []string `hcl:"dhcp_lease_paths,optional"`
}

// Defaults returns a Config with every spec-mandated default applied
// (1s accounting tick, 60s schedule tick, 15 minute forecast buckets, 10s
// subprocess timeout, 1s reachability probe timeout).
func Defaults() Config {
	return Config{
		IFBDevice:                 "ifb0",
		DatabasePath:              "/var/lib/hotspotd/governor.db",
		ListenAddr:                ":8787",
		AccountingIntervalSeconds: 1,
		ScheduleIntervalSeconds:   60,
		ForecastIntervalMinutes:   15,
		ShellTimeoutSeconds:       10,
		ProbeTimeoutSeconds:       1,
		DHCPLeasePaths: []string{
			"/var/lib/misc/dnsmasq.leases",
			"/var/lib/dhcp/dhcpd.leases",
			"/tmp/dhcp.leases",
		},
	}
}

// Load decodes the bootstrap config file at path, filling in any field the
// file omits with Defaults().
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, errors.Wrapf(err, errors.KindValidation, "load config %s", path)
	}
	if cfg.HotspotInterface == "" {
		return nil, errors.New(errors.KindValidation, "hotspot_interface is required")
	}
	if cfg.Network == "" {
		return nil, errors.New(errors.KindValidation, "network is required")
	}
	return &cfg, nil
}

// AccountingInterval is the accounting-loop tick cadence.
func (c *Config) AccountingInterval() time.Duration {
	return time.Duration(c.AccountingIntervalSeconds) * time.Second
}

// ScheduleInterval is the scheduler tick cadence.
func (c *Config) ScheduleInterval() time.Duration {
	return time.Duration(c.ScheduleIntervalSeconds) * time.Second
}

// ShellTimeout bounds every privileged subprocess invocation.
func (c *Config) ShellTimeout() time.Duration {
	return time.Duration(c.ShellTimeoutSeconds) * time.Second
}

// ProbeTimeout bounds a single reachability probe.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}
