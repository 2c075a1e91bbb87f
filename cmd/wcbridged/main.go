package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/wayhost/deskbridge/internal/config"
	"github.com/wayhost/deskbridge/internal/daemon"
	"github.com/wayhost/deskbridge/internal/devicestore"
	"github.com/wayhost/deskbridge/internal/logging"
	"github.com/wayhost/deskbridge/internal/tlsmaterial"
)

var (
	version = "0.1.0"
	cfgFile string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "wcbridged",
	Short: "Wayland Connect host bridge daemon",
	Long:  `wcbridged pairs phones and tablets with this Linux desktop session and relays input, screen mirroring, and media control over a local TLS connection.`,
}

var runCmd = &cobra.Command{
	Use:   "run [port]",
	Short: "Start the bridge daemon",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runDaemon(args)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("wcbridged v%s\n", version)
	},
}

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint",
	Short: "Print this host's TLS certificate fingerprint",
	Run: func(cmd *cobra.Command, args []string) {
		printFingerprint()
	},
}

var resetDevicesCmd = &cobra.Command{
	Use:   "reset-devices",
	Short: "Remove every paired device from the registry",
	Run: func(cmd *cobra.Command, args []string) {
		resetDevices()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is "+"~/.config/wayland-connect/wcbridged.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(fingerprintCmd)
	rootCmd.AddCommand(resetDevicesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initLogging sets up structured logging from config. Call after config.Load().
func initLogging(cfg *config.Config) {
	var output io.Writer = os.Stdout
	logFileFallback := false

	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v (logging to stdout)\n", cfg.LogFile, err)
			logFileFallback = true
		} else {
			output = logging.TeeWriter(os.Stdout, rw)
		}
	}

	logging.Init(cfg.LogFormat, cfg.LogLevel, output)
	log = logging.L("main")

	if logFileFallback {
		log.Warn("log file fallback active, logging to stdout only", "requestedFile", cfg.LogFile)
	}
}

func runDaemon(args []string) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if len(args) > 0 {
		port, err := strconv.Atoi(args[0])
		if err != nil || port < 1 || port > 65535 {
			fmt.Fprintf(os.Stderr, "Invalid port %q\n", args[0])
			os.Exit(1)
		}
		cfg.Port = port
	}

	initLogging(cfg)
	log.Info("starting wcbridged", "version", version, "port", cfg.Port, "discoveryPort", cfg.DiscoveryPort)

	d, err := daemon.New(cfg, cfgFile)
	if err != nil {
		log.Error("failed to initialize daemon", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := d.Run(); err != nil {
			log.Error("accept loop exited", "error", err)
		}
	}()

	log.Info("wcbridged is running", "fingerprint", d.Identity.Fingerprint)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down wcbridged")
	d.Shutdown(30 * time.Second)
	log.Info("wcbridged stopped")
}

func printFingerprint() {
	identity, err := tlsmaterial.Load(config.GetDataDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load TLS identity: %v\n", err)
		os.Exit(1)
	}
	defer identity.Close()
	fmt.Println(identity.Fingerprint)
}

func resetDevices() {
	devices, err := devicestore.Open(config.GetDataDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open device registry: %v\n", err)
		os.Exit(1)
	}

	records := devices.Snapshot()
	for _, rec := range records {
		if err := devices.Remove(rec.ID); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to remove %s: %v\n", rec.ID, err)
		}
	}
	fmt.Printf("Removed %d paired device(s).\n", len(records))
}
