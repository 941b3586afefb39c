// Package config provides configuration management for the Heimdex Clipper.
// Values come from built-in defaults, an optional YAML file and CLIPPER_*
// environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// Default values
	DefaultPort     = 8787
	DefaultLogLevel = "info"
	DefaultDataDir  = ".heimdex-clipper"

	// EnvPrefix is prepended to every environment override, e.g. CLIPPER_SERVER_PORT.
	EnvPrefix = "CLIPPER"

	// Database filename
	DBFilename = "clipper.db"

	DefaultRetention        = 15 * time.Minute
	DefaultEvictionInterval = 30 * time.Second
	DefaultMarkPoll         = 50 * time.Millisecond
	DefaultMarkTimeout      = 10 * time.Second
	DefaultMarkSafetyMargin = 250 * time.Millisecond
	DefaultChunkBytes       = 188 * 512

	CaptionStrategyFilter = "filter"
	CaptionStrategyFrames = "frames"

	StoreKindHTTP = "http"
	StoreKindFS   = "fs"
	StoreKindNone = "none"
)

// Keys understood by the loader. Nested keys map to environment variables by
// replacing dots with underscores.
const (
	KeyPort                 = "server.port"
	KeyLogLevel             = "log.level"
	KeyLogFormat            = "log.format"
	KeyDataDir              = "data_dir"
	KeyTempDir              = "temp_dir"
	KeyOutputDir            = "output_dir"
	KeyFFmpegPath           = "ffmpeg.path"
	KeyFFprobePath          = "ffprobe.path"
	KeyRetention            = "buffer.retention"
	KeyEvictionInterval     = "buffer.eviction_interval"
	KeyMarkPollInterval     = "marker.poll_interval"
	KeyMarkTimeout          = "marker.timeout"
	KeyMarkSafetyMargin     = "marker.safety_margin"
	KeyMarkAwaitPostRoll    = "marker.await_post_roll"
	KeyMarkDefaultPre       = "marker.default_pre"
	KeyMarkDefaultPost      = "marker.default_post"
	KeyCaptureInputArgs     = "capture.input_args"
	KeyCaptureChunkBytes    = "capture.chunk_bytes"
	KeyCaptionStrategy      = "export.caption_strategy"
	KeyPreserveReshapeTemps = "export.preserve_reshape_temps"
	KeyExportPreset         = "export.preset"
	KeyExportCRF            = "export.crf"
	KeyExportFPS            = "export.fps"
	KeyExportContainer      = "export.container"
	KeyUploadEnabled        = "upload.enabled"
	KeyUploadMaxAttempts    = "upload.max_attempts"
	KeyUploadBaseDelay      = "upload.base_delay"
	KeyStoreKind            = "store.kind"
	KeyStoreBaseURL         = "store.base_url"
	KeyStoreToken           = "store.token"
	KeyStoreDir             = "store.dir"
	KeyInboxDir             = "watch.inbox_dir"
	KeyWebhookURL           = "notify.webhook_url"
	KeySMTPHost             = "notify.smtp.host"
	KeySMTPPort             = "notify.smtp.port"
	KeySMTPFromName         = "notify.smtp.from_name"
	KeySMTPUsername         = "notify.smtp.username"
	KeySMTPPassword         = "notify.smtp.password"
	KeySMTPRecipients       = "notify.smtp.recipients"
	KeyHeadless             = "headless"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	LogFormat() string
	DataDir() string
	DBPath() string
	TempDir() string
	OutputDir() string
	FFmpegPath() string
	FFprobePath() string

	Retention() time.Duration
	EvictionInterval() time.Duration

	MarkPollInterval() time.Duration
	MarkTimeout() time.Duration
	MarkSafetyMargin() time.Duration
	MarkAwaitPostRoll() bool
	MarkDefaultPre() time.Duration
	MarkDefaultPost() time.Duration

	CaptureInputArgs() []string
	CaptureChunkBytes() int

	CaptionStrategy() string
	PreserveReshapeTemps() bool
	ExportPreset() string
	ExportCRF() int
	ExportFPS() int
	ExportContainer() string

	UploadEnabled() bool
	UploadMaxAttempts() int
	UploadBaseDelay() time.Duration
	StoreKind() string
	StoreBaseURL() string
	StoreToken() string
	StoreDir() string

	InboxDir() string
	Notify() NotifyConfig
	Headless() bool
}

// NotifyConfig groups the permanent-failure notification settings.
type NotifyConfig struct {
	WebhookURL     string
	SMTPHost       string
	SMTPPort       int
	SMTPFromName   string
	SMTPUsername   string
	SMTPPassword   string `masq:"secret"`
	SMTPRecipients string
}

// ViperConfig reads configuration through a private viper instance.
type ViperConfig struct {
	v *viper.Viper
}

// Load creates a ViperConfig from defaults, the optional config file at path
// and environment overrides. A missing file is not an error when path is empty.
func Load(path string) (*ViperConfig, error) {
	v := viper.New()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("clipper")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(defaultDataDir())
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg := &ViperConfig{v: v}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// SetDefaults registers the default value of every key.
func SetDefaults(v *viper.Viper) {
	dataDir := defaultDataDir()

	v.SetDefault(KeyPort, DefaultPort)
	v.SetDefault(KeyLogLevel, DefaultLogLevel)
	v.SetDefault(KeyLogFormat, "json")
	v.SetDefault(KeyDataDir, dataDir)
	v.SetDefault(KeyTempDir, "")
	v.SetDefault(KeyOutputDir, "")
	v.SetDefault(KeyFFmpegPath, "")
	v.SetDefault(KeyFFprobePath, "")

	v.SetDefault(KeyRetention, DefaultRetention)
	v.SetDefault(KeyEvictionInterval, DefaultEvictionInterval)

	v.SetDefault(KeyMarkPollInterval, DefaultMarkPoll)
	v.SetDefault(KeyMarkTimeout, DefaultMarkTimeout)
	v.SetDefault(KeyMarkSafetyMargin, DefaultMarkSafetyMargin)
	v.SetDefault(KeyMarkAwaitPostRoll, true)
	v.SetDefault(KeyMarkDefaultPre, 20*time.Second)
	v.SetDefault(KeyMarkDefaultPost, 5*time.Second)

	v.SetDefault(KeyCaptureInputArgs, defaultCaptureArgs())
	v.SetDefault(KeyCaptureChunkBytes, DefaultChunkBytes)

	v.SetDefault(KeyCaptionStrategy, CaptionStrategyFilter)
	v.SetDefault(KeyPreserveReshapeTemps, true)
	v.SetDefault(KeyExportPreset, "veryfast")
	v.SetDefault(KeyExportCRF, 23)
	v.SetDefault(KeyExportFPS, 30)
	v.SetDefault(KeyExportContainer, "mp4")

	v.SetDefault(KeyUploadEnabled, true)
	v.SetDefault(KeyUploadMaxAttempts, 3)
	v.SetDefault(KeyUploadBaseDelay, time.Second)
	v.SetDefault(KeyStoreKind, StoreKindFS)
	v.SetDefault(KeyStoreBaseURL, "")
	v.SetDefault(KeyStoreToken, "")
	v.SetDefault(KeyStoreDir, "")

	v.SetDefault(KeyInboxDir, "")
	v.SetDefault(KeyWebhookURL, "")
	v.SetDefault(KeySMTPHost, "")
	v.SetDefault(KeySMTPPort, 587)
	v.SetDefault(KeySMTPFromName, "Heimdex Clipper")
	v.SetDefault(KeySMTPUsername, "")
	v.SetDefault(KeySMTPPassword, "")
	v.SetDefault(KeySMTPRecipients, "")

	v.SetDefault(KeyHeadless, false)
}

// Validate checks ranges and enumerations.
func (c *ViperConfig) Validate() error {
	if p := c.Port(); p < 1 || p > 65535 {
		return fmt.Errorf("%s: port must be between 1 and 65535", KeyPort)
	}
	if c.Retention() < time.Second {
		return fmt.Errorf("%s: must be at least 1s", KeyRetention)
	}
	if c.EvictionInterval() <= 0 {
		return fmt.Errorf("%s: must be positive", KeyEvictionInterval)
	}
	if c.MarkPollInterval() <= 0 {
		return fmt.Errorf("%s: must be positive", KeyMarkPollInterval)
	}
	if c.MarkTimeout() <= 0 {
		return fmt.Errorf("%s: must be positive", KeyMarkTimeout)
	}
	if c.UploadMaxAttempts() < 1 {
		return fmt.Errorf("%s: must be at least 1", KeyUploadMaxAttempts)
	}
	if c.ExportFPS() < 1 {
		return fmt.Errorf("%s: must be at least 1", KeyExportFPS)
	}

	switch c.CaptionStrategy() {
	case CaptionStrategyFilter, CaptionStrategyFrames:
	default:
		return fmt.Errorf("%s: unknown strategy %q", KeyCaptionStrategy, c.CaptionStrategy())
	}

	switch c.StoreKind() {
	case StoreKindFS, StoreKindNone:
	case StoreKindHTTP:
		if c.StoreBaseURL() == "" {
			return fmt.Errorf("%s: required when %s is %q", KeyStoreBaseURL, KeyStoreKind, StoreKindHTTP)
		}
	default:
		return fmt.Errorf("%s: unknown store kind %q", KeyStoreKind, c.StoreKind())
	}

	return nil
}

// Set overrides a single key. Used by CLI flags that were explicitly given.
func (c *ViperConfig) Set(key string, value any) {
	c.v.Set(key, value)
}

// Port returns the HTTP server port
func (c *ViperConfig) Port() int {
	return c.v.GetInt(KeyPort)
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *ViperConfig) LogLevel() string {
	return c.v.GetString(KeyLogLevel)
}

func (c *ViperConfig) LogFormat() string {
	return c.v.GetString(KeyLogFormat)
}

// DataDir returns the data directory path
func (c *ViperConfig) DataDir() string {
	return c.v.GetString(KeyDataDir)
}

// DBPath returns the full path to the SQLite database file
func (c *ViperConfig) DBPath() string {
	return filepath.Join(c.DataDir(), DBFilename)
}

// TempDir holds per-operation intermediates.
func (c *ViperConfig) TempDir() string {
	return c.dirOr(KeyTempDir, "tmp")
}

// OutputDir is where finished clips land when a request names no directory.
func (c *ViperConfig) OutputDir() string {
	return c.dirOr(KeyOutputDir, "clips")
}

func (c *ViperConfig) FFmpegPath() string {
	return c.v.GetString(KeyFFmpegPath)
}

func (c *ViperConfig) FFprobePath() string {
	return c.v.GetString(KeyFFprobePath)
}

func (c *ViperConfig) Retention() time.Duration {
	return c.v.GetDuration(KeyRetention)
}

func (c *ViperConfig) EvictionInterval() time.Duration {
	return c.v.GetDuration(KeyEvictionInterval)
}

func (c *ViperConfig) MarkPollInterval() time.Duration {
	return c.v.GetDuration(KeyMarkPollInterval)
}

func (c *ViperConfig) MarkTimeout() time.Duration {
	return c.v.GetDuration(KeyMarkTimeout)
}

func (c *ViperConfig) MarkSafetyMargin() time.Duration {
	return c.v.GetDuration(KeyMarkSafetyMargin)
}

func (c *ViperConfig) MarkAwaitPostRoll() bool {
	return c.v.GetBool(KeyMarkAwaitPostRoll)
}

func (c *ViperConfig) MarkDefaultPre() time.Duration {
	return c.v.GetDuration(KeyMarkDefaultPre)
}

func (c *ViperConfig) MarkDefaultPost() time.Duration {
	return c.v.GetDuration(KeyMarkDefaultPost)
}

// CaptureInputArgs are the transcoder input arguments used to grab the
// screen and audio, e.g. ["-f", "x11grab", "-i", ":0.0"].
func (c *ViperConfig) CaptureInputArgs() []string {
	return c.v.GetStringSlice(KeyCaptureInputArgs)
}

func (c *ViperConfig) CaptureChunkBytes() int {
	return c.v.GetInt(KeyCaptureChunkBytes)
}

func (c *ViperConfig) CaptionStrategy() string {
	return strings.ToLower(c.v.GetString(KeyCaptionStrategy))
}

func (c *ViperConfig) PreserveReshapeTemps() bool {
	return c.v.GetBool(KeyPreserveReshapeTemps)
}

func (c *ViperConfig) ExportPreset() string {
	return c.v.GetString(KeyExportPreset)
}

func (c *ViperConfig) ExportCRF() int {
	return c.v.GetInt(KeyExportCRF)
}

func (c *ViperConfig) ExportFPS() int {
	return c.v.GetInt(KeyExportFPS)
}

func (c *ViperConfig) ExportContainer() string {
	return c.v.GetString(KeyExportContainer)
}

func (c *ViperConfig) UploadEnabled() bool {
	return c.v.GetBool(KeyUploadEnabled) && c.StoreKind() != StoreKindNone
}

func (c *ViperConfig) UploadMaxAttempts() int {
	return c.v.GetInt(KeyUploadMaxAttempts)
}

func (c *ViperConfig) UploadBaseDelay() time.Duration {
	return c.v.GetDuration(KeyUploadBaseDelay)
}

func (c *ViperConfig) StoreKind() string {
	return strings.ToLower(c.v.GetString(KeyStoreKind))
}

func (c *ViperConfig) StoreBaseURL() string {
	return strings.TrimRight(c.v.GetString(KeyStoreBaseURL), "/")
}

func (c *ViperConfig) StoreToken() string {
	return c.v.GetString(KeyStoreToken)
}

func (c *ViperConfig) StoreDir() string {
	return c.dirOr(KeyStoreDir, "uploads")
}

// InboxDir is the watched drop folder. Empty disables the watcher.
func (c *ViperConfig) InboxDir() string {
	return c.v.GetString(KeyInboxDir)
}

func (c *ViperConfig) Notify() NotifyConfig {
	return NotifyConfig{
		WebhookURL:     c.v.GetString(KeyWebhookURL),
		SMTPHost:       c.v.GetString(KeySMTPHost),
		SMTPPort:       c.v.GetInt(KeySMTPPort),
		SMTPFromName:   c.v.GetString(KeySMTPFromName),
		SMTPUsername:   c.v.GetString(KeySMTPUsername),
		SMTPPassword:   c.v.GetString(KeySMTPPassword),
		SMTPRecipients: c.v.GetString(KeySMTPRecipients),
	}
}

func (c *ViperConfig) Headless() bool {
	return c.v.GetBool(KeyHeadless)
}

func (c *ViperConfig) dirOr(key, fallback string) string {
	if d := c.v.GetString(key); d != "" {
		return d
	}
	return filepath.Join(c.DataDir(), fallback)
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

func defaultCaptureArgs() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"-f", "avfoundation", "-framerate", "30", "-i", "1:0"}
	case "windows":
		return []string{"-f", "gdigrab", "-framerate", "30", "-i", "desktop"}
	default:
		return []string{"-f", "x11grab", "-framerate", "30", "-i", ":0.0", "-f", "pulse", "-i", "default"}
	}
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
