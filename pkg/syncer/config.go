package syncer

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lumeoapps/portalsync/pkg/transport"
)

// FileConfig is the full engine configuration as embedded in the portal's
// config file.
type FileConfig struct {
	// StorePath is the SQLite database file for the local cache.
	StorePath string `yaml:"store_path"`

	Transport transport.Config `yaml:"transport"`
	Sync      Config           `yaml:"sync"`
}

// LoadConfig reads and parses a YAML config file. Defaults for unset fields
// are applied later by the component constructors.
func LoadConfig(path string) (*FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return ParseConfig(raw)
}

// ParseConfig parses a YAML config document.
func ParseConfig(raw []byte) (*FileConfig, error) {
	var cfg FileConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.StorePath == "" {
		return nil, fmt.Errorf("config is missing store_path")
	}
	return &cfg, nil
}
