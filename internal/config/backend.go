package config

// ConfigBackend persists non-secret keys. macOS keeps them in UserDefaults
// (via the `defaults` CLI); other platforms use a YAML file under
// $XDG_CONFIG_HOME/lingua.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}
