package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"vmwatch/internal/agent"
	"vmwatch/internal/config"
)

const exitFatal = 1

func rootCmd(exitCode *int) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vmwatch <vm-name> <vm-address> <script-path>",
		Short: "Run an untrusted script in a VM and stop the VM if it misbehaves",
		Long: `vmwatch starts a libvirt domain, copies a script into the guest over SSH,
runs it in the background and samples guest memory, network and process
counters every interval. The VM is force stopped as soon as the guest runs
out of memory, shows sustained anomalies or stops answering.

Exit codes: 0 clean, 1 terminated or fatal error, 2 suspicious.

Settings come from VMWATCH_* environment variables; flags override them.`,
		Args:         cobra.ExactArgs(3),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := agent.BuildLogger(cfg)
			a, err := agent.New(cfg, agent.Target{VMName: args[0], VMAddr: args[1], ScriptPath: args[2]}, cmd.OutOrStdout(), logger)
			if err != nil {
				return fmt.Errorf("initialize: %w", err)
			}
			v, err := a.Run(context.Background())
			if err != nil {
				logger.Error("run failed", "error", err)
				return err
			}
			*exitCode = v.ExitCode()
			return nil
		},
	}

	f := cmd.Flags()
	f.String("libvirt-uri", "", "libvirt connection URI")
	f.StringP("user", "u", "", "SSH user in the guest")
	f.IntP("port", "p", 0, "SSH port of the guest")
	f.StringP("identity", "i", "", "SSH private key file")
	f.String("known-hosts", "", "known_hosts file used to verify the guest host key")
	f.Int("rounds", 0, "number of sampling rounds")
	f.Duration("interval", 0, "pause between sampling rounds")
	f.String("status-addr", "", "listen address for /healthz and /metrics")
	f.String("journal", "", "SQLite run journal path")
	f.String("log-level", "", "log level: debug, info, warn, error")

	cmd.AddCommand(historyCmd())
	return cmd
}

// loadConfig applies explicitly set flags on top of the environment.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	f := cmd.Flags()
	if f.Changed("libvirt-uri") {
		cfg.LibvirtURI, _ = f.GetString("libvirt-uri")
	}
	if f.Changed("user") {
		cfg.SSHUser, _ = f.GetString("user")
	}
	if f.Changed("port") {
		cfg.SSHPort, _ = f.GetInt("port")
	}
	if f.Changed("identity") {
		cfg.SSHKeyPath, _ = f.GetString("identity")
	}
	if f.Changed("known-hosts") {
		cfg.SSHKnownHostsPath, _ = f.GetString("known-hosts")
	}
	if f.Changed("rounds") {
		cfg.Rounds, _ = f.GetInt("rounds")
	}
	if f.Changed("interval") {
		cfg.Interval, _ = f.GetDuration("interval")
	}
	if f.Changed("status-addr") {
		cfg.StatusAddr, _ = f.GetString("status-addr")
	}
	if f.Changed("journal") {
		cfg.JournalPath, _ = f.GetString("journal")
	}
	if f.Changed("log-level") {
		level, _ := f.GetString("log-level")
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(level))
	}
	return cfg, nil
}

func execute(args []string) int {
	exitCode := 0
	root := rootCmd(&exitCode)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "vmwatch:", err)
		return exitFatal
	}
	return exitCode
}
