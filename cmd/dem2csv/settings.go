package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SettingsFilename is looked up in the input file's directory.
const SettingsFilename = ".dem2csv.yaml"

// Settings holds optional conversion defaults. Flags set explicitly on the
// command line win over the settings file.
type Settings struct {
	Precision         *int     `yaml:"precision"`
	Sentinel          *float64 `yaml:"sentinel"`
	ResolutionEpsilon *float64 `yaml:"resolution_epsilon"`
}

// LoadSettings reads .dem2csv.yaml from dir. Returns nil (not an error) if
// the file does not exist.
func LoadSettings(dir string) (*Settings, error) {
	path := filepath.Join(dir, SettingsFilename)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", path, err)
	}
	if err := s.validate(path); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Settings) validate(path string) error {
	if s.Precision != nil && (*s.Precision < 0 || *s.Precision > 17) {
		return fmt.Errorf("%s: precision must be between 0 and 17, got %d", path, *s.Precision)
	}
	if s.ResolutionEpsilon != nil && *s.ResolutionEpsilon < 0 {
		return fmt.Errorf("%s: resolution_epsilon must not be negative, got %g", path, *s.ResolutionEpsilon)
	}
	return nil
}
