package model

import "unicode/utf8"

// Priority is the classification category assigned to a message.
type Priority string

const (
	PriorityImportant Priority = "important"
	PriorityNormal    Priority = "normal"
	PriorityJunk      Priority = "junk"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityImportant, PriorityNormal, PriorityJunk:
		return true
	}
	return false
}

// Verdict is the result of classifying a single message. It is produced
// fresh per classification call and is not cached beyond the ledger's
// outcome record.
type Verdict struct {
	// Priority is the assigned category.
	Priority Priority

	// Summary is a terse natural-language summary, populated for
	// important messages only. Used as the notification text.
	Summary string

	// Confidence is the oracle's self-reported confidence in [0, 1].
	Confidence float64

	// Reasoning is a brief explanation from the oracle. Logged only.
	Reasoning string
}

// Important reports whether the verdict calls for a notification.
func (v Verdict) Important() bool {
	return v.Priority == PriorityImportant
}

// summaryMaxLen bounds the notification text length, in characters.
const summaryMaxLen = 140

// TerseSummary returns the summary truncated for notification transports.
// Truncation counts runes, never splitting a multi-byte character.
func (v Verdict) TerseSummary() string {
	s := v.Summary
	if utf8.RuneCountInString(s) <= summaryMaxLen {
		return s
	}

	runes := 0
	for i := range s {
		if runes == summaryMaxLen-3 {
			return s[:i] + "..."
		}
		runes++
	}
	return s
}
