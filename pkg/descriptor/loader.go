package descriptor

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads, parses, compiles, and validates the FSM descriptor at path.
// The returned Descriptor is immutable and safe for concurrent use by the
// engine across repeated dispatch cycles.
func Load(path string) (*Descriptor, error) {
	d, err := load(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	return d, nil
}

func load(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrDescriptorNotFound, path)
		}
		return nil, err
	}

	data = expandEnv(data)

	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	for i := range d.Transitions {
		t := &d.Transitions[i]
		prog, err := compileGuard(t.GuardExpr)
		if err != nil {
			return nil, err
		}
		t.guard = prog
	}

	d.buildIndexes()

	if err := Validate(&d, nil); err != nil {
		return nil, err
	}

	return &d, nil
}
