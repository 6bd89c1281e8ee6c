package guard

import "strings"

// allowedFlags is the set of flag names callers may pass through.
var allowedFlags = map[string]bool{
	"--debug":                  true,
	"--no-session-persistence": true,
	"--print":                  true,
	"--mcp-config":             true,
	"--fast":                   true,
	"--help":                   true,
	"--version":                true,
}

// shellMeta are rejected even though flags never pass through a shell.
const shellMeta = ";|`$&><\n\r"

// ValidateFlags checks every caller-supplied flag and returns them unchanged.
// The first offending flag decides the error.
func ValidateFlags(flags []string) ([]string, error) {
	for _, flag := range flags {
		if !strings.HasPrefix(flag, "--") {
			return nil, reject(ErrInvalidFlagFormat, flag)
		}
		if strings.ContainsAny(flag, shellMeta) {
			return nil, reject(ErrForbiddenCharacters, flag)
		}
		name, _, _ := strings.Cut(flag, "=")
		if !allowedFlags[name] {
			return nil, reject(ErrDisallowedFlag, flag)
		}
	}
	return flags, nil
}
