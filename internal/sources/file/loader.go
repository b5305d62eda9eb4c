package file

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// envRef matches ${NAME} references. Bare $NAME is left alone because SQL
// content legitimately contains $1-style placeholders.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Loader handles loading and parsing of the definitions file
type Loader struct {
	filePath string
}

// NewLoader creates a new definitions loader
func NewLoader(filePath string) *Loader {
	return &Loader{
		filePath: filePath,
	}
}

// Path returns the file being loaded.
func (l *Loader) Path() string { return l.filePath }

// Load reads and parses the definitions file
func (l *Loader) Load() (*Document, error) {
	data, err := os.ReadFile(l.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions file: %w", err)
	}

	data = expandEnv(data)

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse definitions yaml: %w", err)
	}

	return &doc, nil
}

// expandEnv replaces ${NAME} with the value of the environment variable NAME.
// Unset variables expand to an empty string.
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}
