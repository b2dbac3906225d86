package am

import (
	"encoding/json"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/teranos/pulsejob/errors"
)

// Render encodes the effective settings as toml, json or yaml
func Render(settings map[string]interface{}, format string) ([]byte, error) {
	switch format {
	case "", "toml":
		out, err := toml.Marshal(settings)
		return out, errors.Wrap(err, "failed to encode toml")
	case "json":
		out, err := json.MarshalIndent(settings, "", "  ")
		return out, errors.Wrap(err, "failed to encode json")
	case "yaml", "yml":
		out, err := yaml.Marshal(settings)
		return out, errors.Wrap(err, "failed to encode yaml")
	}
	return nil, errors.Newf("unknown format %q (want toml, json or yaml)", format)
}

// Settings returns the merged settings as a nested map
func Settings() (map[string]interface{}, error) {
	if _, err := Load(); err != nil {
		return nil, err
	}
	return GetViper().AllSettings(), nil
}
