package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bryanchriswhite/framegrab/internal/config"
	"github.com/bryanchriswhite/framegrab/internal/logger"
)

// version is stamped by the build; "dev" for local builds.
var version = "dev"

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:     "framegrab",
		Short:   "framegrab - screen capture for displays, windows, and regions",
		Version: version,
		Long: `framegrab captures pixel-accurate snapshots of displays, application
windows, and arbitrary screen regions.

It prefers the portal/PipeWire streaming path and falls back to direct
X11 capture when streaming is unavailable, so the same commands work
across Wayland and X11 sessions.

Features:
  • One-shot captures of screens, windows, and areas
  • Window and application enumeration
  • Persistent streaming sessions for repeated low-latency captures
  • HTTP API with MJPEG preview and a websocket event feed
  • Persistent configuration`,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/framegrab/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-pretty", false, "human-readable log output")

	// Bind flags to viper
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.pretty", rootCmd.PersistentFlags().Lookup("log-pretty"))
}

// initConfig layers settings: flags over FRAMEGRAB_* env vars over the
// settings file over defaults. The file itself is created and written by
// the config manager; viper only reads it here.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if path, err := config.DefaultPath(); err == nil {
		viper.SetConfigFile(path)
	}
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("FRAMEGRAB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	defaults := config.Defaults()
	viper.SetDefault("log.level", defaults.Log.Level)
	viper.SetDefault("log.pretty", defaults.Log.Pretty)
	viper.SetDefault("server.addr", defaults.Server.Addr)
	viper.SetDefault("server.stream_fps", defaults.Server.StreamFPS)
	viper.SetDefault("capture.engine", defaults.Capture.Engine)
	viper.SetDefault("capture.disable_legacy", defaults.Capture.DisableLegacy)

	// Missing file is fine; the config manager creates it on first use.
	_ = viper.ReadInConfig()

	logger.Init(viper.GetString("log.level"), viper.GetBool("log.pretty"))
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}
