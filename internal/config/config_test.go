package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:   "defaults",
			modify: func(c *Config) {},
		},
		{
			name:    "empty listen",
			modify:  func(c *Config) { c.Listen = "" },
			wantErr: true,
		},
		{
			name:    "empty cache dir",
			modify:  func(c *Config) { c.CacheDir = "" },
			wantErr: true,
		},
		{
			name:    "invalid format",
			modify:  func(c *Config) { c.Transcode.Format = "wma" },
			wantErr: true,
		},
		{
			name:   "opus format",
			modify: func(c *Config) { c.Transcode.Format = "opus"; c.Transcode.Codec = "libopus" },
		},
		{
			name:    "empty codec",
			modify:  func(c *Config) { c.Transcode.Codec = "" },
			wantErr: true,
		},
		{
			name:    "zero initial buffer",
			modify:  func(c *Config) { c.Buffer.InitialBytes = 0 },
			wantErr: true,
		},
		{
			name:    "max below initial",
			modify:  func(c *Config) { c.Buffer.MaxBytes = c.Buffer.InitialBytes - 1 },
			wantErr: true,
		},
		{
			name:    "zero prepare timeout",
			modify:  func(c *Config) { c.Player.PrepareTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "volume above 1",
			modify:  func(c *Config) { c.Player.Volume = 1.1 },
			wantErr: true,
		},
		{
			name:   "volume 0",
			modify: func(c *Config) { c.Player.Volume = 0 },
		},
		{
			name:    "deezer without scheme",
			modify:  func(c *Config) { c.Deezer.Enabled = true; c.Deezer.APIURL = "api.deezer.com" },
			wantErr: true,
		},
		{
			name:   "deezer disabled ignores url",
			modify: func(c *Config) { c.Deezer.APIURL = "" },
		},
		{
			name:    "youtube without binary",
			modify:  func(c *Config) { c.YouTube.Enabled = true; c.YouTube.Binary = "" },
			wantErr: true,
		},
		{
			name:   "wav format",
			modify: func(c *Config) { c.Transcode.Format = "wav"; c.Transcode.Codec = "pcm_s16le" },
		},
		{
			name:    "m4a cannot be piped",
			modify:  func(c *Config) { c.Transcode.Format = "m4a" },
			wantErr: true,
		},
		{
			name:    "store queue without path",
			modify:  func(c *Config) { c.StoreQueue.Enabled = true; c.StoreQueue.Path = "" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `listen: ":9090"
cache_dir: /tmp/jukebox-cache
library_paths:
  - ~/Music/lossless
transcode:
  codec: libopus
  bitrate: 128k
  format: opus
player:
  prepare_timeout: 45s
  repeat: true
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile() error: %v", err)
	}

	if cfg.Listen != ":9090" {
		t.Errorf("Listen = %q, want %q", cfg.Listen, ":9090")
	}
	if cfg.CacheDir != "/tmp/jukebox-cache" {
		t.Errorf("CacheDir = %q, want %q", cfg.CacheDir, "/tmp/jukebox-cache")
	}
	if cfg.Transcode.Format != "opus" {
		t.Errorf("Transcode.Format = %q, want %q", cfg.Transcode.Format, "opus")
	}
	if cfg.Player.PrepareTimeout != 45*time.Second {
		t.Errorf("PrepareTimeout = %s, want 45s", cfg.Player.PrepareTimeout)
	}
	if !cfg.Player.Repeat {
		t.Error("Repeat should be true")
	}
	if !cfg.Player.DropFailed {
		t.Error("DropFailed should keep its default of true")
	}
	want := filepath.Join(homeDir(), "Music", "lossless")
	if len(cfg.LibraryPaths) != 1 || cfg.LibraryPaths[0] != want {
		t.Errorf("LibraryPaths = %v, want [%s]", cfg.LibraryPaths, want)
	}
	// Untouched keys keep their defaults
	if cfg.Buffer.InitialBytes != 1<<20 {
		t.Errorf("Buffer.InitialBytes = %d, want default", cfg.Buffer.InitialBytes)
	}
}

func TestLoadConfigFileNotFound(t *testing.T) {
	cfg, err := LoadConfigFile("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("LoadConfigFile() should return defaults for missing file, got error: %v", err)
	}
	if cfg.Transcode.Format != "mp3" {
		t.Errorf("expected default format mp3, got %s", cfg.Transcode.Format)
	}
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.Listen = ":7000"
	cfg.Player.PrepareTimeout = 10 * time.Second

	if err := SaveConfigFile(cfg, path); err != nil {
		t.Fatalf("SaveConfigFile() error: %v", err)
	}

	loaded, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile() error: %v", err)
	}
	if loaded.Listen != ":7000" {
		t.Errorf("Listen = %q, want :7000", loaded.Listen)
	}
	if loaded.Player.PrepareTimeout != 10*time.Second {
		t.Errorf("PrepareTimeout = %s, want 10s", loaded.Player.PrepareTimeout)
	}
}

func TestExpandHome(t *testing.T) {
	home := homeDir()
	tests := []struct {
		input string
		want  string
	}{
		{"~/Music", filepath.Join(home, "Music")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"~notslash", "~notslash"},
	}

	for _, tt := range tests {
		got := ExpandHome(tt.input)
		if got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
