package email

import (
	"regexp"
	"strings"
)

var addressPattern = regexp.MustCompile(`(?i)([A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,})`)

// ExtractAddress finds the first email address in s, for example inside
// "Name <user@example.com>", and returns it lowercased.
func ExtractAddress(s string) (string, bool) {
	m := addressPattern.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return strings.ToLower(m[1]), true
}

// Domain returns the lowercased part of address after the last "@".
func Domain(address string) string {
	i := strings.LastIndex(address, "@")
	if i < 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(address[i+1:]))
}

// SenderLabel formats a From value for display as "Name <address>",
// falling back to whatever part of it is present.
func SenderLabel(from string) string {
	addr, hasAddr := ExtractAddress(from)
	trimmed := strings.TrimSpace(from)

	var name string
	if i := strings.Index(trimmed, "<"); i >= 0 {
		name = strings.TrimSpace(strings.Trim(strings.TrimSpace(trimmed[:i]), `'"`))
	}
	fallback := strings.TrimSpace(strings.Trim(trimmed, `'"<>`))

	switch {
	case hasAddr && name != "" && !strings.EqualFold(name, addr):
		return name + " <" + addr + ">"
	case hasAddr && name == "" && fallback != "" && !strings.EqualFold(fallback, addr):
		return fallback + " <" + addr + ">"
	case name != "":
		return name
	case fallback != "":
		return fallback
	case hasAddr:
		return addr
	default:
		return from
	}
}
