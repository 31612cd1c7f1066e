package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "mailpin.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSyncStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	state, err := s.GetSyncState(ctx, "mlr/All")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), state.UIDNext)
	assert.Equal(t, uint32(0), state.UIDValidity)

	state.UIDValidity = 1700000000
	state.UIDNext = 42
	state.ModSeq = 9001
	require.NoError(t, s.PutSyncState(ctx, state))

	got, err := s.GetSyncState(ctx, "mlr/All")
	require.NoError(t, err)
	assert.Equal(t, state, got)

	state.UIDNext = 99
	require.NoError(t, s.PutSyncState(ctx, state))
	got, err = s.GetSyncState(ctx, "mlr/All")
	require.NoError(t, err)
	assert.Equal(t, uint32(99), got.UIDNext)
}

func TestTags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.GetTag(ctx, "work")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.UpsertTag(ctx, Tag{ID: "work", Name: "Work", Color: "#905"}))
	require.NoError(t, s.UpsertTag(ctx, Tag{ID: "family", Name: "Family"}))

	tag, ok, err := s.GetTag(ctx, "work")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Work", tag.Name)
	assert.Equal(t, "#905", tag.Color)

	require.NoError(t, s.UpsertTag(ctx, Tag{ID: "work", Name: "Work", Color: "#059"}))
	tag, _, err = s.GetTag(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, "#059", tag.Color)

	tags, err := s.ListTags(ctx)
	require.NoError(t, err)
	require.Len(t, tags, 2)
	assert.Equal(t, "family", tags[0].ID)
}

func TestMessagesAndHashes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	date := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	msgs := []MessageMeta{
		{UID: 1, MsgID: "<a@x>", ThreadID: "<a@x>", SHA256: "aaa", Subject: "hello", Sender: "al@x", Date: date, Flags: []string{"\\Seen", "#inbox"}, Preview: "hi"},
		{UID: 2, MsgID: "<b@x>", ThreadID: "<a@x>", SHA256: "bbb", Subject: "re: hello", Sender: "bo@x", Date: date.Add(time.Hour)},
	}
	require.NoError(t, s.UpsertMessages(ctx, msgs))

	meta, ok, err := s.GetMessage(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "<a@x>", meta.MsgID)
	assert.Equal(t, []string{"\\Seen", "#inbox"}, meta.Flags)

	_, ok, err = s.GetMessage(ctx, 77)
	require.NoError(t, err)
	assert.False(t, ok)

	hashes, err := s.KnownHashes(ctx)
	require.NoError(t, err)
	assert.True(t, hashes["aaa"])
	assert.True(t, hashes["bbb"])
	assert.False(t, hashes["ccc"])

	// replacing the same UID keeps one row
	msgs[0].Preview = "updated"
	require.NoError(t, s.UpsertMessages(ctx, msgs[:1]))
	meta, _, err = s.GetMessage(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "updated", meta.Preview)
}

func TestThreadLinks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ids, err := s.LinkedMessageIDs(ctx, "<a@x>")
	require.NoError(t, err)
	assert.Nil(t, ids)

	require.NoError(t, s.LinkThreads(ctx, "L1", []string{"<a@x>", "<b@x>"}))
	require.NoError(t, s.LinkThreads(ctx, "L2", []string{"<c@x>", "<d@x>"}))

	ids, err = s.LinkedMessageIDs(ctx, "<b@x>")
	require.NoError(t, err)
	assert.Equal(t, []string{"<a@x>", "<b@x>"}, ids)

	// linking across existing groups merges them
	require.NoError(t, s.LinkThreads(ctx, "L3", []string{"<b@x>", "<c@x>"}))
	ids, err = s.LinkedMessageIDs(ctx, "<d@x>")
	require.NoError(t, err)
	assert.Equal(t, []string{"<a@x>", "<b@x>", "<c@x>", "<d@x>"}, ids)
}
