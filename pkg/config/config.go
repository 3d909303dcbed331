package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/sketchsync/pkg/syncstream"
)

// Settings is the on-disk configuration for both the reference server and
// the sync daemon.
type Settings struct {
	// StorePath is the sqlite database file. Empty means in-memory.
	StorePath string `yaml:"store_path"`
	// ListenAddr is the reference server's bind address.
	ListenAddr string `yaml:"listen_addr"`
	// RemoteURL is the base URL of the remote store the daemon syncs with.
	RemoteURL string `yaml:"remote_url"`
	UserID    string `yaml:"user_id"`

	History HistorySettings     `yaml:"history"`
	Sync    SyncSettings        `yaml:"sync"`
	Redis   syncstream.Settings `yaml:"redis"`
}

type HistorySettings struct {
	MaxVersions int `yaml:"max_versions"`
	MaxXMLSize  int `yaml:"max_xml_size"`
}

type SyncSettings struct {
	PushDebounceMs      int `yaml:"push_debounce_ms"`
	PostPushPullDelayMs int `yaml:"post_push_pull_delay_ms"`
	PullIntervalMs      int `yaml:"pull_interval_ms"`
	PullLimit           int `yaml:"pull_limit"`
}

func (s SyncSettings) PushDebounce() time.Duration {
	return time.Duration(s.PushDebounceMs) * time.Millisecond
}

func (s SyncSettings) PostPushPullDelay() time.Duration {
	return time.Duration(s.PostPushPullDelayMs) * time.Millisecond
}

func (s SyncSettings) PullInterval() time.Duration {
	return time.Duration(s.PullIntervalMs) * time.Millisecond
}

// Defaults returns the settings used when no config file is present.
func Defaults() Settings {
	return Settings{
		ListenAddr: ":8823",
		History: HistorySettings{
			MaxVersions: 50,
			MaxXMLSize:  5_000_000,
		},
		Sync: SyncSettings{
			PushDebounceMs:      1000,
			PostPushPullDelayMs: 1500,
			PullIntervalMs:      20000,
			PullLimit:           200,
		},
		Redis: syncstream.Settings{
			Addr:  "localhost:6379",
			Group: "sketchsync",
		},
	}
}

// Load reads settings from a yaml file, layered over Defaults. A missing
// file is not an error; an unreadable or malformed one is.
func Load(path string) (Settings, error) {
	settings := Defaults()
	if path == "" {
		return settings, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return settings, nil
		}
		return settings, errors.Wrapf(err, "config: read %s", path)
	}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return settings, errors.Wrapf(err, "config: parse %s", path)
	}
	return settings, nil
}

// DefaultPath returns the conventional config file location under the
// user's config directory.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "sketchsync", "config.yaml")
}
