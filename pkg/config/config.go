package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
	"github.com/paulschiretz/pgl-mirror/pkg/diff"
	"github.com/paulschiretz/pgl-mirror/pkg/lockfile"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
	"github.com/paulschiretz/pgl-mirror/pkg/util"
)

// ConfigFileName is the name of the configuration file.
const ConfigFileName = "pgl-mirror.config.json"

// systemExcludeFilePatterns is a slice of file patterns that are never mirrored,
// whatever the user configures.
var systemExcludeFilePatterns = []string{lockfile.LockFileName, ConfigFileName}

// systemExcludeDirPatterns is a slice of directory patterns that are never mirrored.
var systemExcludeDirPatterns = []string{}

// ErrMissingConfig is returned by Validate when a required value is not set.
var ErrMissingConfig = errors.New("missing required configuration")

type MirrorConfig struct {
	// IntervalSeconds is the sleep between two ticks. Must be positive.
	IntervalSeconds int  `json:"intervalSeconds"`
	Flatten         bool `json:"flatten"`

	RetryCount       int `json:"retryCount"`
	RetryWaitSeconds int `json:"retryWaitSeconds"`
	BufferSizeKB     int `json:"bufferSizeKB" comment:"Size of the I/O buffer in kilobytes for file copies. Default is 256 (256KB)."`
	CopyWorkers      int `json:"copyWorkers"`

	DefaultExcludeFiles []string `json:"defaultExcludeFiles,omitempty"`
	DefaultExcludeDirs  []string `json:"defaultExcludeDirs,omitempty"`
	// Note: omitempty is intentionally not used so the user lists show up in a
	// generated config file.
	UserExcludeFiles []string `json:"userExcludeFiles"`
	UserExcludeDirs  []string `json:"userExcludeDirs"`
}

type EngineConfig struct {
	FailFast bool `json:"failFast"`
	Metrics  bool `json:"metrics"`
	// MetricsAddr, if set, serves Prometheus metrics on this address (e.g. ":9090").
	MetricsAddr     string `json:"metricsAddr,omitempty"`
	ProgressSeconds int    `json:"progressSeconds"`
}

type LogConfig struct {
	ArchiveFormat plog.ArchiveFormat `json:"archiveFormat"`
}

// RuntimeConfig holds values that only ever come from the command line.
type RuntimeConfig struct {
	DryRun bool `json:"-"`
}

type Config struct {
	Version  string        `json:"version"`
	Source   string        `json:"source"`
	Replica  string        `json:"replica"`
	LogLevel string        `json:"logLevel"`
	LogFile  string        `json:"logFile"`
	Mirror   MirrorConfig  `json:"mirror"`
	Engine   EngineConfig  `json:"engine"`
	Log      LogConfig     `json:"log"`
	Runtime  RuntimeConfig `json:"-"`
}

// NewDefault returns a configuration with sensible defaults. Source, Replica and
// LogFile have no default and must be provided by the user.
func NewDefault() Config {
	return Config{
		Version:  buildinfo.Version,
		LogLevel: "info",
		Mirror: MirrorConfig{
			IntervalSeconds:  5,
			RetryCount:       3,
			RetryWaitSeconds: 1,
			BufferSizeKB:     256,
			CopyWorkers:      4,
			DefaultExcludeFiles: []string{
				"*.tmp",       // Temporary files
				"*.temp",      // Temporary files
				"*.swp",       // Vim swap files
				"~*",          // Office lock files
				"desktop.ini", // Windows folder settings
				".DS_Store",   // macOS folder metadata
				"Thumbs.db",   // Windows thumbnail cache
				"Icon\r",      // macOS custom folder icons
			},
			DefaultExcludeDirs: []string{
				"@tmp",                      // Synology temp
				"@eadir",                    // Synology index
				".SynologyWorkingDirectory", // Synology Drive
				"#recycle",                  // NAS recycle bin
				"$Recycle.Bin",              // Windows recycle bin
			},
			UserExcludeFiles: []string{},
			UserExcludeDirs:  []string{},
		},
		Engine: EngineConfig{
			ProgressSeconds: 300,
		},
		Log: LogConfig{
			ArchiveFormat: plog.ArchiveGzip,
		},
	}
}

// Load reads the configuration file at path on top of the defaults. A missing file is
// not an error; the defaults are returned.
func Load(path string) (Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewDefault(), nil
		}
		return Config{}, fmt.Errorf("error opening config file %s: %w", path, err)
	}
	defer file.Close()

	plog.Info("Loading configuration", "path", path)
	// Fields missing from the file keep their default.
	config := NewDefault()
	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&config); err != nil {
		return Config{}, fmt.Errorf("error parsing config file %s: %w", path, err)
	}
	config.Version = buildinfo.Version
	return config, nil
}

// Generate writes cfg as indented JSON to path.
func Generate(cfg Config, path string) error {
	jsonData, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}
	if err := os.WriteFile(path, jsonData, util.UserWritableFilePerms); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	plog.Info("Successfully saved config file", "path", path)
	return nil
}

// Validate checks the configuration and brings Source, Replica and LogFile into their
// canonical absolute form.
func (c *Config) Validate() error {
	if c.Source == "" {
		return fmt.Errorf("%w: source path cannot be empty", ErrMissingConfig)
	}
	if c.Replica == "" {
		return fmt.Errorf("%w: replica path cannot be empty", ErrMissingConfig)
	}
	if c.LogFile == "" {
		return fmt.Errorf("%w: log file cannot be empty", ErrMissingConfig)
	}

	var err error
	if c.Source, err = absPath(c.Source); err != nil {
		return fmt.Errorf("could not resolve source path: %w", err)
	}
	if c.Replica, err = absPath(c.Replica); err != nil {
		return fmt.Errorf("could not resolve replica path: %w", err)
	}
	if c.LogFile, err = absPath(c.LogFile); err != nil {
		return fmt.Errorf("could not resolve log file path: %w", err)
	}

	info, err := os.Stat(c.Source)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("source path '%s' does not exist", c.Source)
		}
		return fmt.Errorf("could not stat source path '%s': %w", c.Source, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source path '%s' is not a directory", c.Source)
	}

	// Mirroring into itself would replicate the replica on every tick.
	if util.IsPathWithin(c.Source, c.Replica) {
		return fmt.Errorf("replica path '%s' cannot be inside the source path '%s'", c.Replica, c.Source)
	}
	if util.IsPathWithin(c.Replica, c.Source) {
		return fmt.Errorf("source path '%s' cannot be inside the replica path '%s'", c.Source, c.Replica)
	}
	if util.IsPathWithin(c.Replica, c.LogFile) {
		return fmt.Errorf("log file '%s' cannot be inside the replica path '%s'", c.LogFile, c.Replica)
	}

	if c.Mirror.IntervalSeconds <= 0 {
		return fmt.Errorf("mirror.intervalSeconds must be positive, got %d", c.Mirror.IntervalSeconds)
	}
	if c.Mirror.RetryCount < 0 {
		return fmt.Errorf("mirror.retryCount cannot be negative")
	}
	if c.Mirror.RetryWaitSeconds < 0 {
		return fmt.Errorf("mirror.retryWaitSeconds cannot be negative")
	}
	if c.Mirror.BufferSizeKB < 0 {
		return fmt.Errorf("mirror.bufferSizeKB cannot be negative")
	}
	if c.Mirror.CopyWorkers < 0 {
		return fmt.Errorf("mirror.copyWorkers cannot be negative")
	}
	if c.Engine.ProgressSeconds < 0 {
		return fmt.Errorf("engine.progressSeconds cannot be negative")
	}
	if _, err := plog.ParseArchiveFormat(string(c.Log.ArchiveFormat)); err != nil {
		return fmt.Errorf("invalid log.archiveFormat: %w", err)
	}

	if err := validateGlobPatterns("excludeFiles", c.Mirror.ExcludeFiles()); err != nil {
		return err
	}
	if err := validateGlobPatterns("excludeDirs", c.Mirror.ExcludeDirs()); err != nil {
		return err
	}
	return nil
}

func absPath(p string) (string, error) {
	expanded, err := util.ExpandPath(p)
	if err != nil {
		return "", err
	}
	return filepath.Abs(filepath.Clean(expanded))
}

// Interval returns the poll interval as a duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Mirror.IntervalSeconds) * time.Second
}

// RetryWait returns the wait between copy retries as a duration.
func (c *Config) RetryWait() time.Duration {
	return time.Duration(c.Mirror.RetryWaitSeconds) * time.Second
}

// ProgressInterval returns the interval of the periodic metrics summary, zero if off.
func (c *Config) ProgressInterval() time.Duration {
	if !c.Engine.Metrics {
		return 0
	}
	return time.Duration(c.Engine.ProgressSeconds) * time.Second
}

func (c *Config) LogSummary() {
	logArgs := []interface{}{
		"log_level", c.LogLevel,
		"source", c.Source,
		"replica", c.Replica,
		"log_file", c.LogFile,
		"interval", c.Interval(),
		"dry_run", c.Runtime.DryRun,
		"fail_fast", c.Engine.FailFast,
		"metrics", c.Engine.Metrics,
		"copy_workers", c.Mirror.CopyWorkers,
		"buffer_size_kb", c.Mirror.BufferSizeKB,
		"log_archive", c.Log.ArchiveFormat,
	}
	if c.Mirror.Flatten {
		logArgs = append(logArgs, "layout", "flatten")
	}
	if c.Mirror.RetryCount > 0 {
		logArgs = append(logArgs, "retry", fmt.Sprintf("enabled (c:%d w:%ds)", c.Mirror.RetryCount, c.Mirror.RetryWaitSeconds))
	}
	if c.Engine.MetricsAddr != "" {
		logArgs = append(logArgs, "metrics_addr", c.Engine.MetricsAddr)
	}
	if finalExcludeFiles := c.Mirror.ExcludeFiles(); len(finalExcludeFiles) > 0 {
		logArgs = append(logArgs, "exclude_files", strings.Join(finalExcludeFiles, ", "))
	}
	if finalExcludeDirs := c.Mirror.ExcludeDirs(); len(finalExcludeDirs) > 0 {
		logArgs = append(logArgs, "exclude_dirs", strings.Join(finalExcludeDirs, ", "))
	}
	plog.Info("Configuration loaded", logArgs...)
}

// validateGlobPatterns checks if a list of strings are valid glob patterns.
func validateGlobPatterns(fieldName string, patterns []string) error {
	if err := diff.ValidatePatterns(patterns); err != nil {
		return fmt.Errorf("invalid glob pattern for %s: %w", fieldName, err)
	}
	return nil
}

// ExcludeFiles returns the final, combined slice of file exclusion patterns, including
// non-overridable system patterns, default patterns, and user-configured patterns.
func (m *MirrorConfig) ExcludeFiles() []string {
	return util.MergeAndDeduplicate(systemExcludeFilePatterns, m.DefaultExcludeFiles, m.UserExcludeFiles)
}

// ExcludeDirs returns the final, combined slice of directory exclusion patterns.
func (m *MirrorConfig) ExcludeDirs() []string {
	return util.MergeAndDeduplicate(systemExcludeDirPatterns, m.DefaultExcludeDirs, m.UserExcludeDirs)
}

// MergeConfigWithFlags overlays the configuration values from flags on top of a base
// configuration. setFlags contains only the flags the user set explicitly, so values
// from the config file survive unless overridden.
func MergeConfigWithFlags(base Config, setFlags map[string]any) Config {
	merged := base

	for name, value := range setFlags {
		switch name {
		case "source":
			merged.Source = value.(string)
		case "replica":
			merged.Replica = value.(string)
		case "log-file":
			merged.LogFile = value.(string)
		case "log-level":
			merged.LogLevel = value.(string)
		case "log-archive":
			merged.Log.ArchiveFormat = value.(plog.ArchiveFormat)
		case "interval":
			merged.Mirror.IntervalSeconds = value.(int)
		case "flatten":
			merged.Mirror.Flatten = value.(bool)
		case "retry-count":
			merged.Mirror.RetryCount = value.(int)
		case "retry-wait":
			merged.Mirror.RetryWaitSeconds = value.(int)
		case "buffer-size-kb":
			merged.Mirror.BufferSizeKB = value.(int)
		case "copy-workers":
			merged.Mirror.CopyWorkers = value.(int)
		case "user-exclude-files":
			merged.Mirror.UserExcludeFiles = value.([]string)
		case "user-exclude-dirs":
			merged.Mirror.UserExcludeDirs = value.([]string)
		case "fail-fast":
			merged.Engine.FailFast = value.(bool)
		case "metrics":
			merged.Engine.Metrics = value.(bool)
		case "metrics-addr":
			merged.Engine.MetricsAddr = value.(string)
		case "progress-seconds":
			merged.Engine.ProgressSeconds = value.(int)
		case "dry-run":
			merged.Runtime.DryRun = value.(bool)
		default:
			plog.Debug("unhandled flag in MergeConfigWithFlags", "flag", name)
		}
	}
	return merged
}
