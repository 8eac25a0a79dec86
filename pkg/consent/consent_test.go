package consent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLog(t *testing.T) *Log {
	t.Helper()
	l, err := New(filepath.Join(t.TempDir(), "consent.jsonl"))
	require.NoError(t, err)
	return l
}

func TestNewRequiresPath(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}

func TestRecordAppendsFieldInventoryOnly(t *testing.T) {
	l := newLog(t)

	require.NoError(t, l.Record(Entry{
		URL:             "https://example.com/checkout",
		Origin:          "https://example.com",
		Actor:           "alice",
		Fields:          []string{"url", "title", "selection"},
		Redacted:        true,
		SelectedTextLen: 42,
		Title:           "Checkout",
	}))

	raw, err := os.ReadFile(l.path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(raw))

	assert.Contains(t, line, `"actor":"alice"`)
	assert.Contains(t, line, `"selected_text_len":42`)
	assert.Contains(t, line, `"redacted":true`)
	assert.Contains(t, line, `"fields":["url","title","selection"]`)
	// The inventory names fields; the selection text itself never lands
	// in the log.
	assert.NotContains(t, line, "selection_text")

	entries, err := l.Timeline(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].TS)
}

func TestRecordRequiresActor(t *testing.T) {
	l := newLog(t)
	err := l.Record(Entry{URL: "https://example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "actor")
}

func TestTimelineNewestFirstWithTail(t *testing.T) {
	l := newLog(t)
	for _, url := range []string{"https://a.test", "https://b.test", "https://c.test"} {
		require.NoError(t, l.Record(Entry{Actor: "alice", URL: url}))
	}

	all, err := l.Timeline(0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "https://c.test", all[0].URL)
	assert.Equal(t, "https://a.test", all[2].URL)

	tailed, err := l.Timeline(2)
	require.NoError(t, err)
	require.Len(t, tailed, 2)
	assert.Equal(t, "https://c.test", tailed[0].URL)
	assert.Equal(t, "https://b.test", tailed[1].URL)
}

func TestExportExactActorOldestFirst(t *testing.T) {
	l := newLog(t)
	require.NoError(t, l.Record(Entry{Actor: "bob", URL: "https://one.test"}))
	require.NoError(t, l.Record(Entry{Actor: "bobby", URL: "https://other.test"}))
	require.NoError(t, l.Record(Entry{Actor: "bob", URL: "https://two.test"}))

	entries, err := l.Export("bob")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "https://one.test", entries[0].URL)
	assert.Equal(t, "https://two.test", entries[1].URL)
}

func TestEraseRemovesActorAndReportsCount(t *testing.T) {
	l := newLog(t)
	require.NoError(t, l.Record(Entry{Actor: "bob", URL: "https://one.test"}))
	require.NoError(t, l.Record(Entry{Actor: "alice", URL: "https://keep.test"}))
	require.NoError(t, l.Record(Entry{Actor: "bob", URL: "https://two.test"}))

	removed, err := l.Erase("bob")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	entries, err := l.Timeline(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].Actor)

	gone, err := l.Export("bob")
	require.NoError(t, err)
	assert.Empty(t, gone)
}

func TestEraseExactMatchSparesSimilarActors(t *testing.T) {
	l := newLog(t)
	require.NoError(t, l.Record(Entry{Actor: "bob"}))
	require.NoError(t, l.Record(Entry{Actor: "bobby"}))

	removed, err := l.Erase("bob")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	entries, err := l.Timeline(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "bobby", entries[0].Actor)
}

func TestEraseKeepsLinesItCannotParse(t *testing.T) {
	l := newLog(t)
	require.NoError(t, l.Record(Entry{Actor: "bob"}))

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("not json at all\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	removed, err := l.Erase("bob")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	raw, err := os.ReadFile(l.path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "not json at all")
}

func TestMissingFileReadsAsEmpty(t *testing.T) {
	l := newLog(t)

	entries, err := l.Timeline(0)
	require.NoError(t, err)
	assert.Empty(t, entries)

	exported, err := l.Export("anyone")
	require.NoError(t, err)
	assert.Empty(t, exported)

	removed, err := l.Erase("anyone")
	require.NoError(t, err)
	assert.Zero(t, removed)
}
