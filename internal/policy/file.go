package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile reads a policy document from a YAML or JSON file. The result
// is not validated.
func LoadFile(path string) (*PolicySet, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator supplied
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}

	var set PolicySet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, &ValidationError{Field: "document", Reason: fmt.Sprintf("is not valid YAML: %v", err)}
	}
	return &set, nil
}
