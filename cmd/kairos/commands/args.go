package commands

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/teranos/kairos/errors"
)

// loadArgs returns the JSON arguments of a job from either an inline JSON
// string or a file. Files ending in .toml, .yaml or .yml are converted to
// JSON; anything else must already be JSON.
func loadArgs(inline, path string) (json.RawMessage, error) {
	if inline != "" && path != "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "--args and --args-file are mutually exclusive")
	}
	if inline != "" {
		if !json.Valid([]byte(inline)) {
			return nil, errors.WithHint(
				errors.Wrap(errors.ErrInvalidRequest, "--args is not valid JSON"),
				`quote the object for your shell, e.g. --args '{"command":"date"}'`)
		}
		return json.RawMessage(inline), nil
	}
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read arguments file %s", path)
	}
	return decodeArgs(data, filepath.Ext(path))
}

// decodeArgs converts the contents of an arguments file to JSON by extension
func decodeArgs(data []byte, ext string) (json.RawMessage, error) {
	var doc map[string]interface{}
	switch strings.ToLower(ext) {
	case ".toml":
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, errors.Wrap(err, "invalid TOML arguments")
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, errors.Wrap(err, "invalid YAML arguments")
		}
	default:
		if !json.Valid(data) {
			return nil, errors.Wrapf(errors.ErrInvalidRequest, "arguments file is not valid JSON (extension %q)", ext)
		}
		return json.RawMessage(data), nil
	}

	encoded, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode arguments as JSON")
	}
	return encoded, nil
}
