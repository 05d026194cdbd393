package permission

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// MatchAllowList reports whether toolName is a member of allowList.
// Membership is case-insensitive. Entries containing glob metacharacters
// (e.g. "mcp__github__*") are matched as patterns.
func MatchAllowList(toolName string, allowList []string) bool {
	name := strings.ToLower(toolName)
	for _, entry := range allowList {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if entry == name {
			return true
		}
		if isPattern(entry) && matchWildcard(entry, name) {
			return true
		}
	}
	return false
}

func isPattern(s string) bool {
	return strings.ContainsAny(s, "*?[")
}

// matchWildcard matches a tool name against a glob entry. Tool names carry
// no path separators, so "*" and "**" behave the same.
func matchWildcard(pattern, s string) bool {
	if pattern == "*" {
		return true
	}
	matched, err := doublestar.Match(pattern, s)
	return err == nil && matched
}
