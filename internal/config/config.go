package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	GalleryRoot string        `mapstructure:"gallery_root" validate:"required"`
	API         APIConfig     `mapstructure:"api"`
	Sync        SyncConfig    `mapstructure:"sync"`
	Thumbs      ThumbsConfig  `mapstructure:"thumbs"`
	Tagging     TaggingConfig `mapstructure:"tagging"`
	Import      ImportConfig  `mapstructure:"import"`
	// AssumeYes bypasses every confirmation gate. Threaded explicitly into
	// operations instead of being read from ambient process state.
	AssumeYes bool `mapstructure:"assume_yes"`
}

// APIConfig holds remote inventory API settings. Headers carry the
// caller-supplied auth values verbatim.
type APIConfig struct {
	URL            string            `mapstructure:"url"`
	Headers        map[string]string `mapstructure:"headers"`
	TimeoutSeconds int               `mapstructure:"timeout_seconds" validate:"omitempty,min=1"`
}

// SyncConfig holds remote sync behavior settings
type SyncConfig struct {
	DownloadWorkers int  `mapstructure:"download_workers" validate:"omitempty,min=1"`
	PageDelayMs     int  `mapstructure:"page_delay_ms" validate:"omitempty,min=0"`
	TagNew          bool `mapstructure:"tag_new"`
}

// ThumbsConfig holds thumbnail cache settings
type ThumbsConfig struct {
	Workers int `mapstructure:"workers" validate:"omitempty,min=1"`
}

// TaggingConfig holds AI tagging/renaming settings
type TaggingConfig struct {
	APIKey       string `mapstructure:"api_key"`
	Model        string `mapstructure:"model"`
	Prompt       string `mapstructure:"prompt"`
	RenamePrompt string `mapstructure:"rename_prompt"`
	Workers      int    `mapstructure:"workers" validate:"omitempty,min=1"`
}

// ImportConfig holds local import and inbox-watch settings
type ImportConfig struct {
	IgnorePatterns []string `mapstructure:"ignore_patterns"`
	InboxDir       string   `mapstructure:"inbox_dir"`
	DebounceMs     int      `mapstructure:"debounce_ms" validate:"omitempty,min=0"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		GalleryRoot: "gallery",
		API: APIConfig{
			TimeoutSeconds: 30,
		},
		Sync: SyncConfig{
			DownloadWorkers: 14,
			PageDelayMs:     500,
		},
		Thumbs: ThumbsConfig{
			Workers: 4,
		},
		Tagging: TaggingConfig{
			Model:        "gpt-4.1-mini",
			Prompt:       "Generate concise, comma-separated descriptive tags for this image in the style of booru archives.",
			RenamePrompt: "Create a short, descriptive filename slug (kebab-case, <=6 words) for this image.",
			Workers:      4,
		},
		Import: ImportConfig{
			IgnorePatterns: []string{
				"**/.DS_Store",
				"**/Thumbs.db",
				".*/**",
			},
			DebounceMs: 2000,
		},
	}
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	defaults := DefaultConfig()
	v.SetDefault("gallery_root", defaults.GalleryRoot)
	v.SetDefault("api.timeout_seconds", defaults.API.TimeoutSeconds)
	v.SetDefault("sync.download_workers", defaults.Sync.DownloadWorkers)
	v.SetDefault("sync.page_delay_ms", defaults.Sync.PageDelayMs)
	v.SetDefault("thumbs.workers", defaults.Thumbs.Workers)
	v.SetDefault("tagging.model", defaults.Tagging.Model)
	v.SetDefault("tagging.prompt", defaults.Tagging.Prompt)
	v.SetDefault("tagging.rename_prompt", defaults.Tagging.RenamePrompt)
	v.SetDefault("tagging.workers", defaults.Tagging.Workers)
	v.SetDefault("import.ignore_patterns", defaults.Import.IgnorePatterns)
	v.SetDefault("import.debounce_ms", defaults.Import.DebounceMs)

	// Configure config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Search for config in standard locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(getConfigDir())
	}

	// Enable environment variable substitution
	v.AutomaticEnv()
	v.SetEnvPrefix("PICARCHIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is okay if we have environment variables
	}

	// Unmarshal into struct
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand environment variables in the API key so the config file can
	// reference a secret held in the environment
	cfg.Tagging.APIKey = os.ExpandEnv(cfg.Tagging.APIKey)

	// Expand gallery and inbox paths
	cfg.GalleryRoot = expandPath(cfg.GalleryRoot)
	if cfg.Import.InboxDir != "" {
		cfg.Import.InboxDir = expandPath(cfg.Import.InboxDir)
	}

	// Validate
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// getConfigDir returns the appropriate config directory for the OS
func getConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "picarchive")
		}
		return filepath.Join(os.Getenv("USERPROFILE"), ".config", "picarchive")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			return filepath.Join(xdgConfig, "picarchive")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "picarchive")
	}
}

// GetConfigDir returns the directory for the user's config file, creating
// it if needed.
func GetConfigDir() (string, error) {
	dir := getConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return dir, nil
}

// expandPath expands ~ and environment variables in a path
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[1:])
	}
	return os.ExpandEnv(path)
}
