package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"vmwatch/internal/detect"
)

const envPrefix = "VMWATCH_"

type Config struct {
	LibvirtURI        string        `env:"LIBVIRT_URI"          envDefault:"qemu:///system"`
	ReconnectInterval time.Duration `env:"RECONNECT_INTERVAL"   envDefault:"3s"`
	ConnectTimeout    time.Duration `env:"CONNECT_TIMEOUT"      envDefault:"30s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT"     envDefault:"10s"`
	HealthInterval    time.Duration `env:"HEALTH_INTERVAL"      envDefault:"10s"`

	SSHUser           string        `env:"SSH_USER"            envDefault:"ubuntu"`
	SSHPort           int           `env:"SSH_PORT"            envDefault:"22"`
	SSHKeyPath        string        `env:"SSH_KEY_PATH"`
	SSHKnownHostsPath string        `env:"SSH_KNOWN_HOSTS"`
	SSHUseAgent       bool          `env:"SSH_USE_AGENT"       envDefault:"true"`
	SSHDialTimeout    time.Duration `env:"SSH_DIAL_TIMEOUT"    envDefault:"5s"`

	ProbeTimeout time.Duration `env:"PROBE_TIMEOUT" envDefault:"10s"`
	Rounds       int           `env:"ROUNDS"        envDefault:"60"`
	Interval     time.Duration `env:"INTERVAL"      envDefault:"2s"`
	BootWait     time.Duration `env:"BOOT_WAIT"     envDefault:"5s"`
	SettleWait   time.Duration `env:"SETTLE_WAIT"   envDefault:"5s"`

	RAMSpikePercent      float64 `env:"RAM_SPIKE_PERCENT"       envDefault:"30"`
	RAMSpikeAbsMiB       float64 `env:"RAM_SPIKE_ABS_MIB"       envDefault:"100"`
	SignificanceFloorKiB uint64  `env:"SIGNIFICANCE_FLOOR_KIB"  envDefault:"10240"`
	CriticalUsagePercent float64 `env:"CRITICAL_USAGE_PERCENT"  envDefault:"80"`
	NetworkBytesPerRound int64   `env:"NETWORK_BYTES_PER_ROUND" envDefault:"1000000"`
	ForkSpike            int64   `env:"FORK_SPIKE"              envDefault:"50"`
	ActivitySpike        int64   `env:"ACTIVITY_SPIKE"          envDefault:"1000"`
	SustainedSpikes      int     `env:"SUSTAINED_SPIKES"        envDefault:"3"`
	CrashFailures        int     `env:"CRASH_FAILURES"          envDefault:"3"`

	StatusAddr string `env:"STATUS_ADDR"`

	StreamAddr    string `env:"STREAM_ADDR"`
	StreamMethod  string `env:"STREAM_METHOD"   envDefault:"/vmwatch.events.v1.EventService/StreamEvents"`
	StreamToken   string `env:"STREAM_TOKEN"`
	TLSEnabled    bool   `env:"TLS_ENABLED"     envDefault:"false"`
	TLSSkipVerify bool   `env:"TLS_SKIP_VERIFY" envDefault:"false"`
	TLSCAPath     string `env:"TLS_CA_PATH"`
	TLSCertPath   string `env:"TLS_CERT_PATH"`
	TLSKeyPath    string `env:"TLS_KEY_PATH"`

	// StreamSendTimeout bounds a single frame sent to the collector.
	StreamSendTimeout time.Duration `env:"STREAM_SEND_TIMEOUT" envDefault:"2s"`

	JournalPath string `env:"JOURNAL_PATH"`

	LogJSON  bool   `env:"LOG_JSON"  envDefault:"false"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads VMWATCH_* variables. Validation is left to the caller so CLI
// flags can override fields first.
func Load() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.LibvirtURI) == "" {
		return errors.New("VMWATCH_LIBVIRT_URI is required")
	}
	if strings.TrimSpace(c.SSHUser) == "" {
		return errors.New("VMWATCH_SSH_USER is required")
	}
	if c.SSHPort <= 0 || c.SSHPort > 65535 {
		return fmt.Errorf("VMWATCH_SSH_PORT %d out of range", c.SSHPort)
	}
	if c.SSHKeyPath == "" && !c.SSHUseAgent {
		return errors.New("either VMWATCH_SSH_KEY_PATH or VMWATCH_SSH_USE_AGENT is required")
	}
	if c.ProbeTimeout <= 0 {
		return errors.New("VMWATCH_PROBE_TIMEOUT must be > 0")
	}
	if c.Rounds <= 0 {
		return errors.New("VMWATCH_ROUNDS must be > 0")
	}
	if c.Interval < 0 || c.BootWait < 0 || c.SettleWait < 0 {
		return errors.New("interval and wait durations must not be negative")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("VMWATCH_SHUTDOWN_TIMEOUT must be > 0")
	}
	if c.HealthInterval <= 0 {
		return errors.New("VMWATCH_HEALTH_INTERVAL must be > 0")
	}
	if c.RAMSpikePercent <= 0 || c.RAMSpikeAbsMiB <= 0 {
		return errors.New("RAM spike thresholds must be > 0")
	}
	if c.CriticalUsagePercent <= 0 || c.CriticalUsagePercent > 100 {
		return fmt.Errorf("VMWATCH_CRITICAL_USAGE_PERCENT %.1f out of range", c.CriticalUsagePercent)
	}
	if c.NetworkBytesPerRound <= 0 || c.ForkSpike <= 0 || c.ActivitySpike <= 0 {
		return errors.New("network and process thresholds must be > 0")
	}
	if c.SustainedSpikes <= 0 || c.CrashFailures <= 0 {
		return errors.New("escalation limits must be > 0")
	}
	if c.StreamAddr != "" && strings.TrimSpace(c.StreamMethod) == "" {
		return errors.New("VMWATCH_STREAM_METHOD is required when streaming")
	}
	if c.StreamAddr != "" && c.StreamSendTimeout <= 0 {
		return errors.New("VMWATCH_STREAM_SEND_TIMEOUT must be > 0 when streaming")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level %q", c.LogLevel)
	}
	return nil
}

func (c Config) Thresholds() detect.Thresholds {
	return detect.Thresholds{
		RAMSpikePercent:      c.RAMSpikePercent,
		RAMSpikeAbsMiB:       c.RAMSpikeAbsMiB,
		SignificanceFloorKiB: c.SignificanceFloorKiB,
		CriticalUsagePercent: c.CriticalUsagePercent,
		NetworkBytesPerRound: c.NetworkBytesPerRound,
		ForkSpike:            c.ForkSpike,
		ActivitySpike:        c.ActivitySpike,
		SustainedSpikes:      c.SustainedSpikes,
		CrashFailures:        c.CrashFailures,
	}
}

func (c Config) TLSConfig() (*tls.Config, error) {
	if !c.TLSEnabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: c.TLSSkipVerify}
	if c.TLSCAPath != "" {
		caBytes, err := os.ReadFile(c.TLSCAPath)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, errors.New("append CA cert failed")
		}
		tlsCfg.RootCAs = pool
	}
	if c.TLSCertPath != "" || c.TLSKeyPath != "" {
		if c.TLSCertPath == "" || c.TLSKeyPath == "" {
			return nil, errors.New("both TLS cert and key are required")
		}
		crt, err := tls.LoadX509KeyPair(c.TLSCertPath, c.TLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load mTLS cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{crt}
	}
	return tlsCfg, nil
}
