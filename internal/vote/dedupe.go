package vote

import "fmt"

// ResolveDedupeKey derives a stable idempotency key for an inbound Slack
// event. The Events API event ID is preferred because it survives Slack's
// redelivery; channel+timestamp is the fallback for payloads without one.
// Returns "" when no key can be derived, in which case the event cannot be
// deduplicated.
func ResolveDedupeKey(eventID, channelID, messageTs string) string {
	if eventID != "" {
		return fmt.Sprintf("event:%s", eventID)
	}
	if channelID != "" && messageTs != "" {
		return fmt.Sprintf("msg:%s:%s", channelID, messageTs)
	}
	return ""
}
