package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/heimdex/heimdex-clipper/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "clipper",
	Short: "Rolling capture buffer with clip marking and export",
	Long: `clipper keeps the last minutes of a screen or camera capture in memory.
Marking a clip saves the moments around now; exports trim, reshape and
caption the clip with ffmpeg and optionally upload the result.

Running clipper without a subcommand starts the server.`,
	Version:       config.Version,
	SilenceUsage:  true,
	SilenceErrors: false,
	RunE:          runServe,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./clipper.yaml or ~/.heimdex-clipper/clipper.yaml)")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (text, json)")
	flags.Int("port", 0, "HTTP API port on 127.0.0.1")
	flags.String("output-dir", "", "default directory for finished clips")
	flags.Bool("headless", false, "run without the system tray")

	rootCmd.AddCommand(serveCmd, doctorCmd, versionCmd)
}

// loadConfig reads file and environment settings, then applies the flags
// the user actually passed. Flags are not bound to viper so their defaults
// never mask environment values.
func loadConfig(cmd *cobra.Command) (*config.ViperConfig, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	flags := cmd.Flags()
	overrides := []struct {
		flag string
		key  string
	}{
		{"log-level", config.KeyLogLevel},
		{"log-format", config.KeyLogFormat},
		{"port", config.KeyPort},
		{"output-dir", config.KeyOutputDir},
		{"headless", config.KeyHeadless},
	}
	for _, o := range overrides {
		f := flags.Lookup(o.flag)
		if f == nil || !f.Changed {
			continue
		}
		switch f.Value.Type() {
		case "int":
			v, _ := flags.GetInt(o.flag)
			cfg.Set(o.key, v)
		case "bool":
			v, _ := flags.GetBool(o.flag)
			cfg.Set(o.key, v)
		default:
			cfg.Set(o.key, f.Value.String())
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
