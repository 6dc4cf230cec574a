package descriptor

import (
	"os"
	"regexp"
)

// envPattern matches {{.VAR}} placeholders inside a raw YAML document,
// used for descriptor secrets (e.g. a webhook URL or API token baked
// into an action config) that should come from the environment rather
// than be committed to the descriptor file.
var envPattern = regexp.MustCompile(`\{\{\s*\.([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// expandEnv substitutes {{.VAR}} with the value of the environment
// variable VAR. An unset variable is replaced with the empty string — the
// subsequent YAML parse (or the action that receives the resulting empty
// config value) is left to report the problem with better context than a
// generic "undefined env var" error would.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		sub := envPattern.FindSubmatch(match)
		if len(sub) != 2 {
			return match
		}
		return []byte(os.Getenv(string(sub[1])))
	})
}
