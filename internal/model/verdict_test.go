package model

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestPriority_Valid(t *testing.T) {
	assert.True(t, PriorityImportant.Valid())
	assert.True(t, PriorityNormal.Valid())
	assert.True(t, PriorityJunk.Valid())
	assert.False(t, Priority("urgent").Valid())
	assert.False(t, Priority("").Valid())
}

func TestVerdict_Important(t *testing.T) {
	assert.True(t, Verdict{Priority: PriorityImportant}.Important())
	assert.False(t, Verdict{Priority: PriorityNormal}.Important())
	assert.False(t, Verdict{Priority: PriorityJunk}.Important())
}

func TestVerdict_TerseSummaryTruncates(t *testing.T) {
	v := Verdict{Summary: strings.Repeat("x", 500)}
	got := v.TerseSummary()
	assert.Len(t, got, summaryMaxLen)
	assert.True(t, strings.HasSuffix(got, "..."))

	short := Verdict{Summary: "reply to the boss"}
	assert.Equal(t, "reply to the boss", short.TerseSummary())
}

func TestVerdict_TerseSummaryKeepsRunesIntact(t *testing.T) {
	v := Verdict{Summary: strings.Repeat("é", 200)}
	got := v.TerseSummary()

	assert.True(t, utf8.ValidString(got), "truncation must not split a rune")
	assert.Equal(t, summaryMaxLen, utf8.RuneCountInString(got))
	assert.True(t, strings.HasSuffix(got, "..."))
}
