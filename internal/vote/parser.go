package vote

import (
	"regexp"
	"sort"
)

// mentionPattern matches Slack user mentions followed by a vote operator,
// with or without a separating space: "<@U12345678> ++" or "<@U12345678>++".
// Slack user IDs start with U (users) or W (enterprise users).
var mentionPattern = regexp.MustCompile(`<@([UW][A-Z0-9]+)(?:\|[^>]*)?>\s?(\+\+|--)`)

// thingPattern matches bare-word or :emoji: targets followed by a vote
// operator: "coffee++", "standup --", ":tada:++".
var thingPattern = regexp.MustCompile(`(?:^|\s)([A-Za-z0-9:][A-Za-z0-9_.'+:#-]{1,39})\s?(\+\+|--)`)

type match struct {
	start, end int
	vote       Vote
}

// Parse extracts all votes from message text in document order. User-mention
// matches win over thing matches that overlap them, so "<@U123>++" never also
// yields a thing vote for the raw ID.
func Parse(text string) []Vote {
	var matches []match

	for _, idx := range mentionPattern.FindAllStringSubmatchIndex(text, -1) {
		matches = append(matches, match{
			start: idx[0],
			end:   idx[1],
			vote: Vote{
				TargetID:   text[idx[2]:idx[3]],
				TargetType: TargetUser,
				Action:     Action(text[idx[4]:idx[5]]),
			},
		})
	}

	mentions := len(matches)
	for _, idx := range thingPattern.FindAllStringSubmatchIndex(text, -1) {
		m := match{
			start: idx[2], // name start, not the leading whitespace
			end:   idx[1],
			vote: Vote{
				TargetID:   text[idx[2]:idx[3]],
				TargetType: TargetThing,
				Action:     Action(text[idx[4]:idx[5]]),
			},
		}
		if overlapsAny(m, matches[:mentions]) {
			continue
		}
		matches = append(matches, m)
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].start < matches[j].start })

	votes := make([]Vote, 0, len(matches))
	for _, m := range matches {
		votes = append(votes, m.vote)
	}
	return votes
}

func overlapsAny(m match, others []match) bool {
	for _, o := range others {
		if m.start < o.end && o.start < m.end {
			return true
		}
	}
	return false
}
