package action

import (
	"fmt"
	"os"
	"path/filepath"
	"plugin"
)

// LoadPluginsDir scans dir for compiled Go plugins (.so) and calls each
// one's exported Register(*Registry) function, letting --actions-dir
// extend a binary's action set without recompiling it. There is no
// third-party dynamic-loading library in the reference corpus for this —
// the standard library's plugin package is the only option available
// (see DESIGN.md for the stdlib-fallback justification).
func LoadPluginsDir(dir string, r *Registry) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read actions dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".so" {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		p, err := plugin.Open(path)
		if err != nil {
			return fmt.Errorf("open action plugin %s: %w", path, err)
		}
		sym, err := p.Lookup("Register")
		if err != nil {
			return fmt.Errorf("action plugin %s missing Register symbol: %w", path, err)
		}
		register, ok := sym.(func(*Registry))
		if !ok {
			return fmt.Errorf("action plugin %s: Register has the wrong signature", path)
		}
		register(r)
	}
	return nil
}
