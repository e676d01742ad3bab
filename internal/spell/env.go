package spell

import (
	"log/slog"
	"os"
	"regexp"
	"sync"
)

// envVarPattern matches ${NAME} placeholders. NAME starts with a letter or
// underscore followed by letters, digits or underscores, case-insensitive.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

var (
	fallbackMu     sync.RWMutex
	fallbackLookup func(name string) (string, bool)
)

// SetEnvFallback installs a secondary lookup consulted when a placeholder's
// variable is absent from the process environment. The gateway wires the
// credential store here during startup. Passing nil removes the fallback.
func SetEnvFallback(fn func(name string) (string, bool)) {
	fallbackMu.Lock()
	fallbackLookup = fn
	fallbackMu.Unlock()
}

// ExpandEnv replaces ${NAME} placeholders in s with the value of the process
// environment variable NAME, falling back to the lookup installed via
// [SetEnvFallback]. Unknown variables expand to the empty string and are
// logged. Text that does not match the placeholder syntax is preserved
// verbatim.
//
// Expansion is a single non-recursive pass: in a nested pattern such as
// ${OUTER${INNER}} only the inner ${INNER} is substituted, leaving the outer
// text malformed. This matches the documented configuration semantics and
// must not be "fixed" to recurse.
func ExpandEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		fallbackMu.RLock()
		lookup := fallbackLookup
		fallbackMu.RUnlock()
		if lookup != nil {
			if value, ok := lookup(name); ok {
				return value
			}
		}
		slog.Warn("spell: environment variable not set, expanding to empty string", "var", name)
		return ""
	})
}

// ExpandEnvMap returns a copy of m with ExpandEnv applied to every value.
// Returns nil for a nil map.
func ExpandEnvMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = ExpandEnv(v)
	}
	return out
}
