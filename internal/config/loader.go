package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles RouteMap loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a RouteMap file. The result is not validated.
func (l *Loader) Load(path string) (*RouteMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses a RouteMap from YAML bytes
func (l *Loader) Parse(data []byte) (*RouteMap, error) {
	expanded := l.expandEnvVars(string(data))

	rm := DefaultRouteMap()
	if err := yaml.Unmarshal([]byte(expanded), rm); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Defaults again for services and anything the file zeroed out.
	rm.ApplyDefaults()
	return rm, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// Load reads a RouteMap file with a default Loader.
func Load(path string) (*RouteMap, error) {
	return NewLoader().Load(path)
}

// Parse parses RouteMap YAML with a default Loader.
func Parse(data []byte) (*RouteMap, error) {
	return NewLoader().Parse(data)
}
