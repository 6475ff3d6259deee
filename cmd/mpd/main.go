package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/codelaboratoryltd/mpd/pkg/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	configFile      string
	logLevel        string
	metricsAddr     string
	shutdownTimeout time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mpd",
	Short: "Multilink PPP daemon",
	Long: `mpd - multilink PPP session manager.

Negotiates LCP, authenticates peers, aggregates links into bundles with
bandwidth on demand and runs IPCP, IPV6CP, CCP and ECP on top.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the daemon",
	RunE:  runMPD,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Parse and validate the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d links, %d bundles, ok\n", configFile, len(cfg.Links), len(cfg.Bundles))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("mpd version %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/mpd/mpd.yaml",
		"Path to the YAML configuration file")

	runCmd.Flags().StringVarP(&logLevel, "log-level", "l", config.DefaultLogLevel,
		"Log level (debug, info, warn, error)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", config.DefaultMetricsAddr,
		"Address for the /metrics and /health endpoints, empty to disable")
	runCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second,
		"How long to wait for sessions to close on shutdown")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}

func parseLevel(level string) (zap.AtomicLevel, error) {
	switch level {
	case "debug":
		return zap.NewAtomicLevelAt(zap.DebugLevel), nil
	case "info":
		return zap.NewAtomicLevelAt(zap.InfoLevel), nil
	case "warn":
		return zap.NewAtomicLevelAt(zap.WarnLevel), nil
	case "error":
		return zap.NewAtomicLevelAt(zap.ErrorLevel), nil
	default:
		return zap.AtomicLevel{}, fmt.Errorf("invalid log level: %s", level)
	}
}

func initLogger(level zap.AtomicLevel) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.Level = level
	config.Encoding = "json"

	return config.Build()
}

// applyDaemonSettings copies the daemon block of the config file onto
// flags the user did not set.
func applyDaemonSettings(cmd *cobra.Command) error {
	data, err := os.ReadFile(configFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var file struct {
		Daemon map[string]string `yaml:"daemon"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", configFile, err)
	}

	for key, val := range file.Daemon {
		f := cmd.Flags().Lookup(key)
		if f == nil {
			fmt.Fprintf(os.Stderr, "unknown daemon setting %q, skipping\n", key)
			continue
		}
		if cmd.Flags().Changed(key) {
			continue
		}
		if err := cmd.Flags().Set(key, strings.TrimSpace(val)); err != nil {
			return fmt.Errorf("daemon setting %s: %w", key, err)
		}
	}
	return nil
}
