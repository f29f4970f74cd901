package vote

import (
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

const maxThingNameLen = 40

var (
	userIDPattern = regexp.MustCompile(`^[UW][A-Z0-9]{2,}$`)

	// thingNamePattern is the shape a normalized thing name must have after
	// stripping: letters, digits, and a small set of interior punctuation.
	thingNamePattern = regexp.MustCompile(`^[a-z0-9:][a-z0-9_.'+:#-]*[a-z0-9+:#]$`)

	strict = bluemonday.StrictPolicy()
)

// SanitizeUserID validates a raw Slack user ID. It returns the canonical
// uppercase ID, or "" when the input is not a plausible Slack user ID.
func SanitizeUserID(raw string) string {
	id := strings.ToUpper(strings.TrimSpace(raw))
	id = strings.TrimPrefix(id, "@")
	if !userIDPattern.MatchString(id) {
		return ""
	}
	return id
}

// SanitizeThingName normalizes a raw thing name to its canonical lowercase
// form, or returns "" when the name is unusable. Markup is stripped before
// validation so pasted HTML never becomes a leaderboard entry.
func SanitizeThingName(raw string) string {
	name := strings.TrimSpace(strict.Sanitize(raw))
	name = strings.TrimPrefix(name, "@")
	name = strings.TrimPrefix(name, "#")
	name = strings.ToLower(name)
	if len(name) < 2 || len(name) > maxThingNameLen {
		return ""
	}
	// Mention syntax that slipped past the parser is never a thing.
	if strings.ContainsAny(name, "<>") {
		return ""
	}
	if !thingNamePattern.MatchString(name) {
		return ""
	}
	return name
}
