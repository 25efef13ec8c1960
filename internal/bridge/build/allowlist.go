package build

import "strings"

// Allowlist is the static set of command prefixes the build executor may
// spawn (spec §4.7 step 1, §6).
var Allowlist = []string{
	"npm run", "npm test", "npm exec", "npx ",
	"yarn ",
	"pnpm ",
	"bun ",
	"flutter ",
	"dart ",
	"cargo ",
	"go ",
	"make ",
	"tsc",
	"eslint",
	"prettier",
	"vitest",
	"jest",
	"pytest",
}

// IsAllowed reports whether command (after trimming and lowercasing)
// starts with one of the allowlisted prefixes (spec §4.7 step 1, testable
// property 8: allowlist hermeticity).
func IsAllowed(command string) bool {
	normalized := strings.ToLower(strings.TrimSpace(command))
	for _, prefix := range Allowlist {
		if strings.HasPrefix(normalized, prefix) {
			return true
		}
	}
	return false
}
