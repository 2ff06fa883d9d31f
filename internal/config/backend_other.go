//go:build !darwin

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

const configFileName = "config.yaml"

func defaultDataDir() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", ".local", "share"), appName)
}

// xdgDir returns $env, or ~/<fallback...> when it is unset. Without a home
// directory the current directory is used.
func xdgDir(env string, fallback ...string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(append([]string{home}, fallback...)...)
}

// fileBackend keeps non-secret keys in a flat YAML map at
// $XDG_CONFIG_HOME/lingua/config.yaml.
type fileBackend struct {
	path   string
	values map[string]string
}

func newPlatformBackend() ConfigBackend {
	b := &fileBackend{
		path:   filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), appName, configFileName),
		values: make(map[string]string),
	}
	b.load()
	return b
}

// load reads the file. A missing file is an empty config; an unreadable one
// is logged and ignored so defaults still apply.
func (b *fileBackend) load() {
	data, err := os.ReadFile(b.path)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		slog.Warn("reading config file, using defaults", "path", b.path, "err", err)
		return
	}
	values := make(map[string]string)
	if err := yaml.Unmarshal(data, &values); err != nil {
		slog.Warn("parsing config file, using defaults", "path", b.path, "err", err)
		return
	}
	b.values = values
}

// save writes the file through a temp file so a crash never leaves it
// half written.
func (b *fileBackend) save() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(b.values)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(b.path), configFileName+".*")
	if err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return os.Rename(tmp.Name(), b.path)
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.values[key]
	return v, ok, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.values[key]
	if !ok {
		return 0, false, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, true, fmt.Errorf("invalid integer %q for %s", v, key)
	}
	return i, true, nil
}

func (b *fileBackend) SetString(key, val string) error {
	b.values[key] = val
	return b.save()
}

func (b *fileBackend) SetInt(key string, val int) error {
	b.values[key] = strconv.Itoa(val)
	return b.save()
}

func (b *fileBackend) Delete(key string) error {
	if _, ok := b.values[key]; !ok {
		return nil
	}
	delete(b.values, key)
	return b.save()
}
