package config

import (
	"fmt"
	"strconv"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all config key/value pairs from the current config.
// Secrets are reported as set or unset, never by value.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		v := fmt.Sprintf("%v", s.extract(cfg))
		if s.secret {
			if v == "" {
				v = "(unset)"
			} else {
				v = "(set)"
			}
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  v,
		})
	}
	return result
}

// SetKey writes a config key to the platform backend.
func SetKey(key, value string) error {
	return setKeyWith(newPlatformBackend(), key, value)
}

func setKeyWith(b ConfigBackend, key, value string) error {
	s, err := lookup(key)
	if err != nil {
		return err
	}
	if s.secret {
		return fmt.Errorf("cannot set secret %q via config; use `lingua login` or environment variable %s", key, s.env)
	}
	switch s.typ {
	case kInt:
		i, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %w", key, err)
		}
		return b.SetInt(key, i)
	default:
		return b.SetString(key, value)
	}
}

// UnsetKey removes a config key from the platform backend so its default
// applies again.
func UnsetKey(key string) error {
	return unsetKeyWith(newPlatformBackend(), key)
}

func unsetKeyWith(b ConfigBackend, key string) error {
	s, err := lookup(key)
	if err != nil {
		return err
	}
	if s.secret {
		return fmt.Errorf("cannot unset secret %q via config; use `lingua logout`", key)
	}
	return b.Delete(key)
}

// SetSecret stores a secret key (identity.user_id, store.token) in the
// platform secret store.
func SetSecret(key, value string) error {
	s, err := lookup(key)
	if err != nil {
		return err
	}
	if !s.secret {
		return fmt.Errorf("%q is not a secret; use `lingua config set`", key)
	}
	return keychainSet(appName, key, value)
}

// DeleteSecret removes a secret from the platform secret store. Removing a
// secret that was never stored is not an error.
func DeleteSecret(key string) error {
	s, err := lookup(key)
	if err != nil {
		return err
	}
	if !s.secret {
		return fmt.Errorf("%q is not a secret", key)
	}
	return keychainDelete(appName, key)
}

func lookup(key string) (keySpec, error) {
	for _, s := range specs {
		if s.key == key {
			return s, nil
		}
	}
	return keySpec{}, fmt.Errorf("unknown config key: %q", key)
}

// ValidKeys returns the list of valid non-secret config key names.
func ValidKeys() []string {
	var keys []string
	for _, s := range specs {
		if !s.secret {
			keys = append(keys, s.key)
		}
	}
	return keys
}
