package settings

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// configRelPath is the settings file location below the XDG config home
const configRelPath = "clever-kvm/server-config.json"

// Store persists the ServerConfig and monitor pin between runs
type Store struct {
	path string
}

// NewStore creates a store at path, or at the XDG config location when path is empty
func NewStore(path string) (*Store, error) {
	if path == "" {
		p, err := xdg.ConfigFile(configRelPath)
		if err != nil {
			return nil, err
		}
		path = p
	}
	return &Store{path: path}, nil
}

// Path returns the settings file path
func (s *Store) Path() string {
	return s.path
}

// Load reads the config file.
// Returns the default config, unpinned, if the file doesn't exist or is
// invalid. Files written before the pin was recorded load unpinned.
func (s *Store) Load() (Persisted, error) {
	p := Persisted{ServerConfig: DefaultServerConfig()}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist - use defaults, not an error
			return p, nil
		}
		return p, err
	}

	// Parse JSON, keeping defaults for missing fields
	if err := json.Unmarshal(data, &p); err != nil {
		return Persisted{ServerConfig: DefaultServerConfig()}, nil
	}

	return p, nil
}

// Save writes p to the config file
func (s *Store) Save(p Persisted) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	// Marshal with indentation for readability
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(s.path, data, 0644)
}
