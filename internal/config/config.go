package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains the server configuration
type Config struct {
	Listen       string          `yaml:"listen"`
	Verbose      bool            `yaml:"verbose"`
	CacheDir     string          `yaml:"cache_dir"`
	LibraryPaths []string        `yaml:"library_paths"`
	Transcode    TranscodeConfig `yaml:"transcode"`
	Buffer       BufferConfig    `yaml:"buffer"`
	Player       PlayerConfig    `yaml:"player"`
	Deezer       DeezerConfig    `yaml:"deezer"`
	YouTube      YouTubeConfig   `yaml:"youtube"`
	StoreQueue   StoreConfig     `yaml:"store_queue"`
}

// TranscodeConfig fixes the output codec of every prepared song.
type TranscodeConfig struct {
	Codec   string `yaml:"codec"`
	Bitrate string `yaml:"bitrate"`
	Format  string `yaml:"format"`
}

// BufferConfig bounds the in-memory buffer of a song being prepared.
type BufferConfig struct {
	InitialBytes int `yaml:"initial_bytes"`
	MaxBytes     int `yaml:"max_bytes"`
}

type PlayerConfig struct {
	PrepareTimeout time.Duration `yaml:"prepare_timeout"`
	Repeat         bool          `yaml:"repeat"`
	Volume         float64       `yaml:"volume"`
	// DropFailed removes songs whose preparation failed from the queue
	DropFailed bool `yaml:"drop_failed"`
}

type DeezerConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIURL  string `yaml:"api_url"`
}

// YouTubeConfig enables the yt-dlp backend.
type YouTubeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Binary  string `yaml:"binary"`
	// CookiesBrowser lets yt-dlp read cookies from a browser (e.g. "firefox")
	CookiesBrowser string `yaml:"cookies_browser"`
}

type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		Listen:       ":8080",
		Verbose:      false,
		CacheDir:     filepath.Join(homeDir(), ".cache", "jukebox"),
		LibraryPaths: []string{filepath.Join(homeDir(), "Music")},
		Transcode: TranscodeConfig{
			Codec:   "libmp3lame",
			Bitrate: "192k",
			Format:  "mp3",
		},
		Buffer: BufferConfig{
			InitialBytes: 1 << 20,
			MaxBytes:     512 << 20,
		},
		Player: PlayerConfig{
			PrepareTimeout: 30 * time.Second,
			Volume:         1.0,
			DropFailed:     true,
		},
		Deezer: DeezerConfig{
			APIURL: "https://api.deezer.com",
		},
		YouTube: YouTubeConfig{
			Binary: "yt-dlp",
		},
		StoreQueue: StoreConfig{
			Path: filepath.Join(homeDir(), ".local", "share", "jukebox", "queue.db"),
		},
	}
}

// LoadConfigFile loads configuration from a YAML file.
// If path is empty, searches standard locations. Returns defaults if no file found.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = FindConfigFile()
		if path == "" {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.CacheDir = ExpandHome(cfg.CacheDir)
	cfg.StoreQueue.Path = ExpandHome(cfg.StoreQueue.Path)
	for i, p := range cfg.LibraryPaths {
		cfg.LibraryPaths[i] = ExpandHome(p)
	}

	return cfg, nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir(), path[2:])
	}
	return path
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() string {
	home := homeDir()
	locations := []string{
		"./jukebox.yaml",
		"./jukebox.yml",
		filepath.Join(home, ".config", "jukebox", "config.yaml"),
		filepath.Join(home, ".config", "jukebox", "config.yml"),
		filepath.Join(home, ".jukebox.yaml"),
	}

	for _, path := range locations {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// SaveConfigFile saves the current configuration to a YAML file
func SaveConfigFile(cfg Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetDefaultConfigPath returns the default config file path
func GetDefaultConfigPath() string {
	return filepath.Join(homeDir(), ".config", "jukebox", "config.yaml")
}

// GetDefaultLogPath returns the default log directory path
func GetDefaultLogPath() string {
	return filepath.Join(homeDir(), ".local", "share", "jukebox", "logs")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return os.Getenv("HOME")
	}
	return home
}

// formats ffmpeg can mux into a pipe
var validFormats = []string{"mp3", "ogg", "opus", "flac", "aac", "wav"}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if c.CacheDir == "" {
		return fmt.Errorf("cache_dir cannot be empty")
	}

	isValid := false
	for _, format := range validFormats {
		if c.Transcode.Format == format {
			isValid = true
			break
		}
	}
	if !isValid {
		return fmt.Errorf("unsupported transcode format '%s', valid formats: %v", c.Transcode.Format, validFormats)
	}
	if c.Transcode.Codec == "" {
		return fmt.Errorf("transcode codec cannot be empty")
	}

	if c.Buffer.InitialBytes < 1 {
		return fmt.Errorf("buffer initial_bytes must be positive, got %d", c.Buffer.InitialBytes)
	}
	if c.Buffer.MaxBytes < c.Buffer.InitialBytes {
		return fmt.Errorf("buffer max_bytes (%d) must be at least initial_bytes (%d)", c.Buffer.MaxBytes, c.Buffer.InitialBytes)
	}

	if c.Player.PrepareTimeout <= 0 {
		return fmt.Errorf("player prepare_timeout must be positive, got %s", c.Player.PrepareTimeout)
	}
	if c.Player.Volume < 0 || c.Player.Volume > 1 {
		return fmt.Errorf("player volume must be between 0.0 and 1.0, got %.2f", c.Player.Volume)
	}

	if c.Deezer.Enabled && !strings.HasPrefix(c.Deezer.APIURL, "http://") && !strings.HasPrefix(c.Deezer.APIURL, "https://") {
		return fmt.Errorf("deezer api_url must start with http:// or https://")
	}

	if c.YouTube.Enabled && c.YouTube.Binary == "" {
		return fmt.Errorf("youtube binary cannot be empty when youtube is enabled")
	}

	if c.StoreQueue.Enabled && c.StoreQueue.Path == "" {
		return fmt.Errorf("store_queue path is required when store_queue is enabled")
	}

	return nil
}
