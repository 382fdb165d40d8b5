package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/osbuild/usbforge/internal/cmdutil"
	"github.com/osbuild/usbforge/internal/common"
	"github.com/osbuild/usbforge/internal/fsx"
	"github.com/osbuild/usbforge/internal/pipeline"
)

var (
	targetDevice       string
	windowsImage       string
	wintogoSizeGiB     uint64
	payloadFS          string
	isoPaths           []string
	fullInstallDistro  string
	fullInstallRelease string
	proxy              string
	configPath         string
	verbose            bool
)

var rootCmd = &cobra.Command{
	Use:          "usbforge",
	Short:        "Provision multi-boot USB drives",
	Long:         "usbforge wipes a USB drive and provisions it with a GRUB multi-boot menu,\noptionally a Windows-To-Go workspace, loopback-bootable live Linux ISOs,\nand a fully installed Linux system.",
	SilenceUsage: true,
	RunE:         run,
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := setupLogging(cfg); err != nil {
		return err
	}

	if payloadFS == "" {
		payloadFS = cfg.PayloadFS
	}
	if proxy == "" {
		proxy = cfg.Proxy
	}

	req := pipeline.Request{
		Device:             targetDevice,
		PayloadFS:          payloadFS,
		WindowsImage:       windowsImage,
		WindowsSize:        wintogoSizeGiB * common.GiB,
		ISOs:               isoPaths,
		FullInstallDistro:  fullInstallDistro,
		FullInstallRelease: fullInstallRelease,
		Proxy:              proxy,
	}

	// SIGINT/SIGTERM cancel cooperatively: the pipeline unwinds to its
	// cleanup phase instead of dying mid-write.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracker := pipeline.NewTracker()
	p := pipeline.New(cmdutil.NewHostRunner())
	p.Progress = tracker

	done := make(chan struct{})
	go observe(tracker, done)

	logrus.WithFields(logrus.Fields{
		"device":     req.Device,
		"payload_fs": req.PayloadFS,
	}).Info("starting provisioning")

	res, runErr := p.Run(ctx, req)
	close(done)

	for _, warning := range res.Warnings {
		logrus.Warn(warning)
	}
	if runErr != nil {
		logrus.WithError(runErr).Error(res.Summary())
		return fmt.Errorf("provisioning %s", res.Summary())
	}
	logrus.WithField("status", res.Summary()).Info("provisioning finished")
	return nil
}

// observe periodically reports the copy progress until the run finishes.
func observe(tracker *pipeline.Tracker, done <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			logrus.WithFields(logrus.Fields{
				"phase":      tracker.Phase(),
				"copied_mib": tracker.Bytes() / int64(common.MiB),
			}).Info("progress")
		}
	}
}

func setupLogging(cfg *config) error {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	if verbose {
		level = logrus.DebugLevel
	}
	logrus.SetLevel(level)

	switch cfg.LogFormat {
	case "", "text":
		// logrus default
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("invalid log format %q", cfg.LogFormat)
	}

	if journal.Enabled() {
		logrus.AddHook(&common.JournalHook{})
	}
	return nil
}

func main() {
	flags := rootCmd.Flags()
	flags.StringVarP(&targetDevice, "target", "t", "", "target block device, e.g. /dev/sdb (its contents are destroyed)")
	flags.StringVarP(&windowsImage, "windows-image", "w", "", "Windows installation ISO for Windows-To-Go")
	flags.Uint64Var(&wintogoSizeGiB, "wintogo-size", 64, "Windows-To-Go partition size in GiB (minimum 64)")
	flags.StringVarP(&payloadFS, "payload-fs", "f", "", fmt.Sprintf("payload partition filesystem, one of: %v", fsx.Supported()))
	flags.StringArrayVarP(&isoPaths, "iso", "i", nil, "live Linux ISO to stage for loopback boot (repeatable)")
	flags.StringVarP(&fullInstallDistro, "full-install-distro", "d", "", "bootstrap a full Linux install onto the payload partition (ubuntu, debian, arch)")
	flags.StringVar(&fullInstallRelease, "release", "", "release name for the full install (e.g. focal, bookworm)")
	flags.StringVar(&proxy, "proxy", "", "HTTP proxy for the bootstrap tool")
	flags.StringVarP(&configPath, "config", "c", "", "configuration file (default "+defaultConfigFile+")")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	_ = rootCmd.MarkFlagRequired("target")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
