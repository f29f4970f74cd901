// Package vote extracts ++/-- votes from Slack message text and normalizes
// the identifiers they target.
package vote

// Action is the direction of a vote.
type Action string

const (
	ActionUp   Action = "++"
	ActionDown Action = "--"
)

// TargetType distinguishes votes against Slack users from votes against
// named things ("coffee++").
type TargetType string

const (
	TargetUser  TargetType = "user"
	TargetThing TargetType = "thing"
)

// Vote is a single parsed vote in document order.
type Vote struct {
	TargetID   string
	TargetType TargetType
	Action     Action
}

// Delta returns the score change this vote applies.
func (v Vote) Delta() int {
	if v.Action == ActionDown {
		return -1
	}
	return 1
}
