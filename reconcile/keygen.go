package reconcile

import (
	"regexp"
	"strings"
)

var (
	// " (2)" style duplicate counters appended by the deal store UI.
	trailingCounterRe = regexp.MustCompile(`\s*\(\s*\d+\s*\)\s*$`)

	// "NY25202 - LST 207 RSS ENDURANCE" (code, separator, name).
	codeNameRe = regexp.MustCompile(`(?i)^([a-z]+\d+)\s*[-\s]+\s*(.+)$`)

	// "NY25202Endurance" (code immediately followed by the name).
	compactCodeRe = regexp.MustCompile(`(?i)^([a-z]+\d+)([a-z].*)$`)

	// Embedded numeric sequence of >=3 digits, optionally labelled.
	embeddedNumberRe = regexp.MustCompile(`(?i)((?:project|job|client)\s*[#:]?\s*)?(\d{3,})`)

	nonAlnumRe = regexp.MustCompile(`[^a-z0-9]+`)
)

// GenerateProjectKey derives the canonical matching key from a free-text record
// name. Deterministic and total: any input, including empty or garbage strings,
// yields a stable key ("" for empty input).
func GenerateProjectKey(name string) string {
	cleaned := strings.TrimSpace(name)
	if cleaned == "" {
		return ""
	}
	cleaned = strings.TrimSpace(trailingCounterRe.ReplaceAllString(cleaned, ""))
	if cleaned == "" {
		return ""
	}

	if m := codeNameRe.FindStringSubmatch(cleaned); m != nil {
		return strings.ToLower(m[1]) + "-" + stripNonAlnum(m[2])
	}
	if m := compactCodeRe.FindStringSubmatch(cleaned); m != nil {
		return strings.ToLower(m[1]) + "-" + stripNonAlnum(m[2])
	}
	if loc := embeddedNumberRe.FindStringSubmatchIndex(cleaned); loc != nil {
		number := cleaned[loc[4]:loc[5]]
		rest := stripNonAlnum(cleaned[:loc[0]] + cleaned[loc[1]:])
		if rest == "" {
			return number
		}
		return number + "-" + rest
	}
	return stripNonAlnum(cleaned)
}

func stripNonAlnum(s string) string {
	return nonAlnumRe.ReplaceAllString(strings.ToLower(s), "")
}
