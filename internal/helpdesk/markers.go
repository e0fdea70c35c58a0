package helpdesk

import "strings"

// notifyMarkers are case-insensitive substrings that, when present in a
// non-private, non-activity message, signal a call/meeting/escalation
// intent worth surfacing to the deal's responsible manager in the CRM.
// Distinct from the "[Мой контакт]" / "[Менеджер по строительству]"
// prefixes, which are outbound hand-off intents, not this notify
// trigger.
var notifyMarkers = []string{
	"звонок", "созвон", "перезвон", "в офис", " бот", "робот", " ии",
	"позвон", "встреча", "встретимся", "встретиться", "о встрече",
	"позови", "шоурум", "шоу рум",
}

// detectMarker returns the first notify marker found in content
// (case-insensitive substring match), or "" if none is present.
func detectMarker(content string) string {
	lower := strings.ToLower(content)
	for _, m := range notifyMarkers {
		if strings.Contains(lower, m) {
			return m
		}
	}
	return ""
}
