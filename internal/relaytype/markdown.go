package relaytype

import "regexp"

var boldPattern = regexp.MustCompile(`\*\*([^*]+)\*\*`)

// RenderPlatformText converts the common markdown dialect carried on
// ChatEgressEnvelope.Text into one platform's native formatting before an
// adapter hands it to its send call (spec §4.2, SPEC_FULL.md Open Question
// 1).
//
// preserveQuirk reproduces a cascading conversion observed in the original
// relay: **bold** renders as _italic_ rather than *bold*, because the bold
// markers are stripped and the surviving single asterisks are matched by
// the italic rule on the next pass. Set false for the corrected bold ->
// bold mapping.
//
// TODO: confirm with channel owners whether any existing conversation
// history depends on the italic rendering before flipping the default.
func RenderPlatformText(text string, preserveQuirk bool) string {
	if preserveQuirk {
		return boldPattern.ReplaceAllString(text, "_${1}_")
	}
	return boldPattern.ReplaceAllString(text, "*$1*")
}
