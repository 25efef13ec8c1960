package build

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/myndhyve/myndhyve-relay/internal/bridgetype"
)

// maxDiagnostics caps the number of parsed errors or warnings kept per
// build (spec §4.7 step 5).
const maxDiagnostics = 50

// diagnosticPatterns are evaluated in order against each completed output
// line; the first one to match wins (spec §4.7 step 5).
var diagnosticPatterns = []*regexp.Regexp{
	// TypeScript: path(line,col): error TSxxxx: msg
	regexp.MustCompile(`^(?P<file>[^(\n]+)\((?P<line>\d+),(?P<col>\d+)\): (?P<sev>error|warning) TS\d+: (?P<msg>.+)$`),
	// Linter: path:line:col error msg rule
	regexp.MustCompile(`^(?P<file>[^\s:]+):(?P<line>\d+):(?P<col>\d+)\s+(?P<sev>error|warning)\s+(?P<msg>.+?)\s+(?P<rule>\S+)$`),
	// Generic "Error:"/"ERROR:" or "Warning:"/"WARNING:" lines.
	regexp.MustCompile(`(?i)^(?P<sev>error|warning):\s*(?P<msg>.+)$`),
	// Vite/Rollup bundler errors.
	regexp.MustCompile(`(?i)^\[vite].*?(?P<sev>error|warning).*?:\s*(?P<msg>.+)$`),
}

// diagnosticCollector accumulates parsed errors/warnings across a build's
// output, capping each list at maxDiagnostics (spec §4.7 step 5).
type diagnosticCollector struct {
	errors   []bridgetype.BuildDiagnostic
	warnings []bridgetype.BuildDiagnostic
}

// feedLine parses one completed output line and files it as an error or
// warning if it matches a known pattern.
func (c *diagnosticCollector) feedLine(line string) {
	for _, re := range diagnosticPatterns {
		m := re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		names := re.SubexpNames()
		diag := bridgetype.BuildDiagnostic{}
		var sev string
		for i, name := range names {
			if i == 0 || i >= len(m) {
				continue
			}
			switch name {
			case "file":
				diag.File = m[i]
			case "line":
				diag.Line = atoiSafe(m[i])
			case "col":
				diag.Column = atoiSafe(m[i])
			case "rule":
				diag.Rule = m[i]
			case "msg":
				diag.Message = m[i]
			case "sev":
				sev = m[i]
			}
		}
		if diag.Message == "" {
			diag.Message = line
		}
		c.file(sev, diag)
		return
	}
}

func (c *diagnosticCollector) file(sev string, diag bridgetype.BuildDiagnostic) {
	if strings.Contains(strings.ToLower(sev), "warning") {
		if len(c.warnings) < maxDiagnostics {
			c.warnings = append(c.warnings, diag)
		}
		return
	}
	if len(c.errors) < maxDiagnostics {
		c.errors = append(c.errors, diag)
	}
}

func atoiSafe(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
