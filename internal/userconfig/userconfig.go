// Package userconfig loads the optional ~/.gota.yml user configuration
// file, grounded directly on the teacher's config.go (MotaUserConfig /
// LoadUserConfig).
package userconfig

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// UserConfig is the top-level shape of ~/.gota.yml.
type UserConfig struct {
	Global GlobalConfig `yaml:"global,omitempty"`
}

// GlobalConfig holds settings applied across all runs.
type GlobalConfig struct {
	DefaultClient  string             `yaml:"client,omitempty"`
	DefaultChannel string             `yaml:"channel,omitempty"`
	BaseURL        string             `yaml:"base_url,omitempty"`
	Credentials    DefaultCredentials `yaml:"credentials,omitempty"`
}

// DefaultCredentials is the fallback basic-auth pair used when no netrc
// entry exists for an index origin.
type DefaultCredentials struct {
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// Path returns the default location of the user config file.
func Path() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%s/.gota.yml", home), nil
}

// Load reads and parses the user config file at path. It returns nil, nil
// when the file does not exist — absence is not an error, matching the
// teacher's LoadUserConfig.
func Load(path string) (*UserConfig, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := UserConfig{}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
