package config

import (
	"fmt"
	"os"

	"github.com/rhodri/vm-deployer/internal/params"
	"gopkg.in/yaml.v3"
)

// Manifest is the optional vm-deployer.yml file carried alongside the
// provisioning script. It overrides the literal deployment parameters and
// the script location; anything unset keeps the stock defaults.
type Manifest struct {
	Deployment params.Literals `yaml:"deployment"`
	ScriptDir  string          `yaml:"scriptDir"`
	ScriptName string          `yaml:"scriptName"`
}

// LoadManifest reads a manifest file. A missing file is not an error and
// yields an empty manifest.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manifest{}, nil
		}
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	return &m, nil
}

// Literals applies the manifest's deployment overrides on top of the stock
// constants.
func (m *Manifest) Literals() params.Literals {
	return params.DefaultLiterals().Merge(m.Deployment)
}
