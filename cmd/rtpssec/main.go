// SPDX-FileCopyrightText: Copyright (C) 2026 The rtps authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/spf13/cobra"

	"github.com/rtpsgo/rtps/common"
	"github.com/rtpsgo/rtps/config"
	"github.com/rtpsgo/rtps/core/log"
	"github.com/rtpsgo/rtps/flowcontrol"
	"github.com/rtpsgo/rtps/internal/instrument"
	"github.com/rtpsgo/rtps/internal/selftest"
)

// Config holds the command line configuration
type Config struct {
	ConfigFile string
	Samples    int
	SampleSize int
	Controller string
	DataDir    string
	Timeout    time.Duration
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rtpssec",
		Short: "RTPS participant security tool",
		Long: `rtpssec checks participant security configurations and exercises them
in process: two loopback participants authenticate each other, exchange
crypto tokens, match a protected writer and reader, and push samples
through a flow controller.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(newValidateCommand(), newSelftestCommand(), newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), versioninfo.Short())
		},
	}
}

func newValidateCommand() *cobra.Command {
	var cfg Config
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		Example: `  # Check a configuration
  rtpssec validate -f /etc/rtps/rtps.toml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pCfg, err := loadConfig(cfg.ConfigFile)
			if err != nil {
				return err
			}
			printConfig(cmd, pCfg)
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "rtps.toml",
		"path to the configuration file (TOML format)")
	return cmd
}

func newSelftestCommand() *cobra.Command {
	var cfg Config
	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Run two loopback participants from a configuration file",
		Long: `selftest builds two in-process participants from the configuration. The
first one uses the configured identity and GUID prefix, the second one a
fresh identity. With access control configured each participant gets its
own permissions database under --datadir, trusting the other on first use.`,
		Example: `  # Run with the first configured flow controller
  rtpssec selftest -f rtps.toml

  # Push 100 samples of 1 KiB through the "limited" controller
  rtpssec selftest -f rtps.toml -n 100 -s 1024 -c limited`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSelftest(cmd, cfg)
		},
	}
	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "rtps.toml",
		"path to the configuration file (TOML format)")
	cmd.Flags().IntVarP(&cfg.Samples, "samples", "n", 10, "number of samples to publish")
	cmd.Flags().IntVarP(&cfg.SampleSize, "size", "s", 64, "plaintext sample size in bytes")
	cmd.Flags().StringVarP(&cfg.Controller, "controller", "c", "", "flow controller name, defaults to the first configured one")
	cmd.Flags().StringVar(&cfg.DataDir, "datadir", "", "directory for the permissions databases, defaults to a temporary one")
	cmd.Flags().DurationVarP(&cfg.Timeout, "timeout", "t", 30*time.Second, "time allowed for the whole run")
	return cmd
}

func loadConfig(f string) (*config.Config, error) {
	cfg, err := config.LoadFile(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file '%v': %v", f, err)
	}
	return cfg, nil
}

func printConfig(cmd *cobra.Command, cfg *config.Config) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Domain: %d\n", cfg.Participant.DomainID)
	if !cfg.Security.Enabled() {
		fmt.Fprintln(out, "Security: disabled")
	} else {
		fmt.Fprintf(out, "Security: %v", cfg.Security.Authentication)
		if cfg.Security.AccessControl != "" {
			fmt.Fprintf(out, ", %v (%v)", cfg.Security.AccessControl, cfg.Security.PermissionsDB)
		}
		if cfg.Security.Cryptography != "" {
			fmt.Fprintf(out, ", %v", cfg.Security.Cryptography)
		}
		fmt.Fprintln(out)
	}
	for _, v := range cfg.FlowController {
		desc, _ := v.Descriptor()
		fmt.Fprintf(out, "Flow controller %v: %v %v", desc.Name, desc.Scheduler, desc.Mode)
		if desc.Mode == flowcontrol.LimitedAsync {
			fmt.Fprintf(out, " %d B / %v", desc.MaxBytesPerPeriod, desc.Period)
		}
		fmt.Fprintln(out)
	}
}

func runSelftest(cmd *cobra.Command, cfg Config) error {
	pCfg, err := loadConfig(cfg.ConfigFile)
	if err != nil {
		return err
	}
	logBackend, err := log.New(pCfg.Logging.File, pCfg.Logging.Level, pCfg.Logging.Disable)
	if err != nil {
		return err
	}
	l := logBackend.GetLogger("rtpssec")

	if pCfg.Metrics.Address != "" {
		if srv := instrument.Start(pCfg.Metrics.Address); srv != nil {
			defer srv.Close()
		}
		l.Noticef("Serving metrics on %v.", pCfg.Metrics.Address)
	}

	dataDir := cfg.DataDir
	if dataDir == "" {
		if dataDir, err = os.MkdirTemp("", "rtpssec"); err != nil {
			return err
		}
		defer os.RemoveAll(dataDir)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeout)
	defer cancel()
	report, err := selftest.Run(ctx, pCfg, logBackend, selftest.Options{
		Samples:    cfg.Samples,
		SampleSize: cfg.SampleSize,
		Controller: cfg.Controller,
		DataDir:    dataDir,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Writer %v matched reader %v (protected: %v).\n", report.Writer, report.Reader, report.Protected)
	fmt.Fprintf(out, "Delivered %d samples (%d bytes) through %v in %v.\n",
		report.Delivered, report.Bytes, report.Controller.Name, report.Elapsed.Round(time.Millisecond))
	return nil
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}
