package tags

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClean(t *testing.T) {
	tests := []struct {
		name      string
		ids       []string
		whitelist []string
		blacklist []string
		want      []string
	}{
		{
			name: "drops system flags and service tags",
			ids:  []string{"\\Seen", "#sent", "#link", "#latest", "work", "#inbox"},
			want: []string{"#inbox", "work"},
		},
		{
			name:      "whitelist overrides filtering",
			ids:       []string{"\\Flagged", "work"},
			whitelist: []string{"\\Flagged"},
			want:      []string{"\\Flagged", "work"},
		},
		{
			name:      "blacklist hides extra tags",
			ids:       []string{"work", "#trash"},
			blacklist: []string{"#trash"},
			want:      []string{"work"},
		},
		{
			name: "sorted output",
			ids:  []string{"zeta", "alpha"},
			want: []string{"alpha", "zeta"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Clean(tt.ids, tt.whitelist, tt.blacklist))
		})
	}
}

func TestQuery(t *testing.T) {
	assert.Equal(t, ":threads tag:work", Query("Work"))
	assert.Equal(t, ":threads :draft", Query("\\Draft"))
	assert.Equal(t, ":threads :pinned", Query("\\Flagged"))
	assert.Equal(t, ":threads :raw answered", Query("\\Answered"))
	assert.Equal(t, ":threads tag:#inbox", Query("#inbox"))
}

func TestShortName(t *testing.T) {
	assert.Equal(t, "short", ShortName("short"))
	long := strings.Repeat("x", 20)
	got := ShortName(long)
	assert.Equal(t, strings.Repeat("x", 14)+"…", got)
}

func TestWrapOrdering(t *testing.T) {
	infos := map[string]Info{
		"#inbox": {Name: "#inbox", Unread: 3},
		"#spam":  {Name: "#spam", Unread: 12},
		"work":   {Name: "work"},
		"family": {Name: "family", Pinned: 1},
	}

	list := Wrap(infos, nil)

	// unread/pinned tags first, spam pinned to the tail despite unread
	assert.Equal(t, []string{"#inbox", "family", "#spam", "work"}, list.IDs)
	assert.Equal(t, ":threads tag:#inbox", list.Info["#inbox"].Query)
	assert.Equal(t, "#inbox", list.Info["#inbox"].ID)
}
