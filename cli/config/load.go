// Package config loads cairn.yaml and applies environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CAIRN_"

// varRef matches ${VAR}, ${VAR:-default} and ${VAR:?message}.
var varRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?:(:-|:\?)([^}]*))?\}`)

// expandVars substitutes variable references in a config file. An unset or
// empty variable becomes its default, or the empty string. ${VAR:?} marks
// a required variable; every missing one is reported with the line and
// key that reference it.
func expandVars(input string) (string, error) {
	var missing []error
	lines := strings.Split(input, "\n")
	for i, line := range lines {
		lines[i] = varRef.ReplaceAllStringFunc(line, func(ref string) string {
			m := varRef.FindStringSubmatch(ref)
			name, op, arg := m[1], m[2], m[3]
			if v := os.Getenv(name); v != "" {
				return v
			}
			switch op {
			case ":-":
				return arg
			case ":?":
				if arg == "" {
					arg = "required"
				}
				missing = append(missing, fmt.Errorf("line %d (%s): %s is unset: %s", i+1, lineKey(line), name, arg))
			}
			return ""
		})
	}
	return strings.Join(lines, "\n"), errors.Join(missing...)
}

// lineKey is the YAML key on line, or "-" for a list item or bare value.
func lineKey(line string) string {
	key, _, ok := strings.Cut(strings.TrimSpace(line), ":")
	if !ok || strings.HasPrefix(key, "-") || strings.Contains(key, "${") {
		return "-"
	}
	return key
}

// Load reads a YAML config file, expands environment variables, and
// unmarshals it over Defaults. Keys absent from the file keep their
// default values; unknown keys are errors.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	expanded, err := expandVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	cfg := Defaults()
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}

	return &cfg, nil
}

// ApplyEnv overrides cfg with CAIRN_* environment variables.
// Unset variables leave the existing value alone.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("invalid environment override: %w", err)
	}
	return nil
}

// Resolve builds the effective config: Defaults, then the file at path
// (when non-empty), then environment overrides. The result is not
// validated so that CLI flags can still be applied.
func Resolve(path string) (*Config, error) {
	var cfg *Config
	if path == "" {
		d := Defaults()
		cfg = &d
	} else {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
