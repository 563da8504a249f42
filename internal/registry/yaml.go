package registry

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

type catalogFile struct {
	Providers []ProviderConfig `yaml:"providers"`
}

// LoadCatalogYAML reads provider configs from a YAML file with a top-level
// providers: list. This is the default catalog source for local setups.
func LoadCatalogYAML(path string) ([]ProviderConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "registry: read catalog yaml")
	}

	var cf catalogFile
	if err := yaml.Unmarshal(raw, &cf); err != nil {
		return nil, eris.Wrap(err, "registry: parse catalog yaml")
	}
	if len(cf.Providers) == 0 {
		return nil, eris.Errorf("registry: no providers in %s", path)
	}
	return cf.Providers, nil
}
