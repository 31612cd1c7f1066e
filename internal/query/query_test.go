package query

import (
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
)

func TestParseServiceExclusions(t *testing.T) {
	tests := []struct {
		name        string
		q           string
		wantNot     []imap.Flag
		dontWantNot []imap.Flag
	}{
		{
			name:    "default hides link trash and spam",
			q:       "hello",
			wantNot: []imap.Flag{imap.Flag(TagLink), imap.Flag(TagTrash), imap.Flag(TagSpam)},
		},
		{
			name:        "trash tag keeps trash and spam visible",
			q:           "tag:#trash",
			wantNot:     []imap.Flag{imap.Flag(TagLink)},
			dontWantNot: []imap.Flag{imap.Flag(TagTrash), imap.Flag(TagSpam)},
		},
		{
			name:        "spam tag keeps spam visible",
			q:           "tag:#spam",
			wantNot:     []imap.Flag{imap.Flag(TagLink), imap.Flag(TagTrash)},
			dontWantNot: []imap.Flag{imap.Flag(TagSpam)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := Parse(tt.q)
			assert.NoError(t, err)
			for _, flag := range tt.wantNot {
				assert.Contains(t, parsed.Criteria.NotFlag, flag)
			}
			for _, flag := range tt.dontWantNot {
				assert.NotContains(t, parsed.Criteria.NotFlag, flag)
			}
		})
	}
}

func TestParseOperators(t *testing.T) {
	t.Run("free text", func(t *testing.T) {
		parsed, err := Parse("hello world")
		assert.NoError(t, err)
		assert.Equal(t, []string{"hello world"}, parsed.Criteria.Text)
	})

	t.Run("from", func(t *testing.T) {
		parsed, err := Parse("from:ann@example.com")
		assert.NoError(t, err)
		assert.Contains(t, parsed.Criteria.Header, imap.SearchCriteriaHeaderField{
			Key: "From", Value: "ann@example.com",
		})
	})

	t.Run("quoted subject", func(t *testing.T) {
		parsed, err := Parse(`subj:"quarterly report"`)
		assert.NoError(t, err)
		assert.Contains(t, parsed.Criteria.Header, imap.SearchCriteriaHeaderField{
			Key: "Subject", Value: "quarterly report",
		})
		assert.Empty(t, parsed.Criteria.Text)
	})

	t.Run("tag records option and keyword", func(t *testing.T) {
		parsed, err := Parse("tag:Work")
		assert.NoError(t, err)
		assert.Equal(t, []string{"work"}, parsed.Options.Tags)
		assert.Contains(t, parsed.Criteria.Flag, imap.Flag("work"))
	})

	t.Run("thread", func(t *testing.T) {
		parsed, err := Parse("thr:1042")
		assert.NoError(t, err)
		assert.True(t, parsed.Options.Thread)
		assert.Equal(t, uint32(1042), parsed.Options.ThreadUID)
		assert.Equal(t, []imap.UIDSet{imap.UIDSetNum(imap.UID(1042))}, parsed.Criteria.UID)
	})

	t.Run("threads mode", func(t *testing.T) {
		parsed, err := Parse(":threads tag:work")
		assert.NoError(t, err)
		assert.True(t, parsed.Options.Threads)
		assert.Equal(t, []string{"work"}, parsed.Options.Tags)
	})

	t.Run("draft edit", func(t *testing.T) {
		parsed, err := Parse("draft:a1b2c3d4")
		assert.NoError(t, err)
		assert.True(t, parsed.Options.Thread)
		assert.Equal(t, "a1b2c3d4", parsed.Options.Draft)
		assert.Contains(t, parsed.Criteria.Header, imap.SearchCriteriaHeaderField{
			Key: "X-Draft-ID", Value: "a1b2c3d4",
		})
	})

	t.Run("ref matches message-id or references", func(t *testing.T) {
		parsed, err := Parse("ref:<abc@host>")
		assert.NoError(t, err)
		assert.Len(t, parsed.Criteria.Or, 1)
	})

	t.Run("flag shortcuts", func(t *testing.T) {
		parsed, err := Parse(":unread :pinned")
		assert.NoError(t, err)
		assert.Contains(t, parsed.Criteria.NotFlag, imap.FlagSeen)
		assert.Contains(t, parsed.Criteria.Flag, imap.FlagFlagged)
	})

	t.Run("raw consumes remainder", func(t *testing.T) {
		parsed, err := Parse(":raw answered deleted")
		assert.NoError(t, err)
		assert.Contains(t, parsed.Criteria.Flag, imap.FlagAnswered)
		assert.Contains(t, parsed.Criteria.Flag, imap.FlagDeleted)
	})

	t.Run("invalid uid", func(t *testing.T) {
		_, err := Parse("uid:xyz")
		assert.Error(t, err)
	})
}

func TestParseDateBounds(t *testing.T) {
	tests := []struct {
		name       string
		q          string
		wantSince  time.Time
		wantBefore time.Time
	}{
		{
			name:       "year",
			q:          "date:2024",
			wantSince:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			wantBefore: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:       "december rolls into next year",
			q:          "date:2024-12",
			wantSince:  time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC),
			wantBefore: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:       "single day",
			q:          "date:2024-03-15",
			wantSince:  time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC),
			wantBefore: time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := Parse(tt.q)
			assert.NoError(t, err)
			assert.Equal(t, tt.wantSince, parsed.Criteria.Since)
			assert.Equal(t, tt.wantBefore, parsed.Criteria.Before)
		})
	}

	t.Run("invalid", func(t *testing.T) {
		_, err := Parse("date:2024-13-99-1")
		assert.Error(t, err)
	})
}
