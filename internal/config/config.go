package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration. The four artifact namespaces
// (uploads, converted, archives, secure) live under RootDir.
type Paths struct {
	RootDir string `toml:"root_dir"`
	LogDir  string `toml:"log_dir"`
}

// Scheduler contains conversion pipeline settings.
type Scheduler struct {
	// Slots bounds the number of concurrently running codec invocations.
	Slots int `toml:"slots"`
	// JobTimeout is the per-job timeout in seconds. Zero disables it.
	JobTimeout int `toml:"job_timeout"`
}

// Sweeper contains storage lifecycle settings.
type Sweeper struct {
	// Interval between scheduled sweeps, in seconds.
	Interval int `toml:"interval"`
	// MaxArtifactAgeHours is the age past which artifacts are reclaimed.
	MaxArtifactAgeHours int `toml:"max_artifact_age_hours"`
	// FreeSpaceThresholdMiB triggers emergency reclaim when free space in a
	// managed directory drops below it.
	FreeSpaceThresholdMiB int `toml:"free_space_threshold_mib"`
}

// Codecs contains per-category engine binary overrides.
type Codecs struct {
	ImageBinary    string `toml:"image_binary"`
	VideoBinary    string `toml:"video_binary"`
	AudioBinary    string `toml:"audio_binary"`
	DocumentBinary string `toml:"document_binary"`
	OCRBinary      string `toml:"ocr_binary"`
}

// Notifications contains ntfy push notification settings.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	JobFailures    bool   `toml:"job_failures"`
	SweepSummary   bool   `toml:"sweep_summary"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for transmute.
type Config struct {
	Paths         Paths         `toml:"paths"`
	Scheduler     Scheduler     `toml:"scheduler"`
	Sweeper       Sweeper       `toml:"sweeper"`
	Codecs        Codecs        `toml:"codecs"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration
// file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/transmute/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized. The bool reports
// whether a config file was found.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("transmute.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	return defaultPath, false, nil
}

// Namespace directory accessors. Every artifact path registered by the store
// lives in exactly one of these.

func (c *Config) UploadsDir() string { return filepath.Join(c.Paths.RootDir, "uploads") }

func (c *Config) ConvertedDir() string { return filepath.Join(c.Paths.RootDir, "converted") }

func (c *Config) ArchivesDir() string { return filepath.Join(c.Paths.RootDir, "archives") }

func (c *Config) SecureDir() string { return filepath.Join(c.Paths.RootDir, "secure") }

// ManagedDirectories returns all four artifact namespace directories.
func (c *Config) ManagedDirectories() []string {
	return []string{c.UploadsDir(), c.ConvertedDir(), c.ArchivesDir(), c.SecureDir()}
}

// EnsureDirectories creates the namespace and log directories.
func (c *Config) EnsureDirectories() error {
	dirs := append(c.ManagedDirectories(), c.Paths.LogDir)
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// JobTimeout returns the per-job timeout as a duration. Zero means no timeout.
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.Scheduler.JobTimeout) * time.Second
}

// SweepInterval returns the scheduled sweep interval.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Sweeper.Interval) * time.Second
}

// MaxArtifactAge returns the age threshold for the sweeper's age reclaim.
func (c *Config) MaxArtifactAge() time.Duration {
	return time.Duration(c.Sweeper.MaxArtifactAgeHours) * time.Hour
}

// FreeSpaceThresholdBytes returns the emergency reclaim trigger in bytes.
func (c *Config) FreeSpaceThresholdBytes() uint64 {
	return uint64(c.Sweeper.FreeSpaceThresholdMiB) * 1024 * 1024
}

func (c *Config) normalize() error {
	var err error
	if c.Paths.RootDir, err = expandPath(c.Paths.RootDir); err != nil {
		return err
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return err
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
