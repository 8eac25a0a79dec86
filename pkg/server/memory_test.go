package server

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelliclaw/gateway/pkg/consent"
)

func TestAgentMemoryCRUD(t *testing.T) {
	fix := newFixture(t, fixtureOptions{})

	rec := fix.do(t, http.MethodPut, "/agents/helper/memory/prefs", map[string]any{
		"value": map[string]any{"lang": "de", "tone": "formal"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	stored := decodeMap(t, rec)
	assert.Equal(t, "helper", stored["agent"])
	assert.Equal(t, "prefs", stored["key"])
	assert.Equal(t, true, stored["stored"])

	rec = fix.do(t, http.MethodGet, "/agents/helper/memory/prefs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeMap(t, rec)
	value, ok := got["value"].(map[string]any)
	require.True(t, ok, "value should round-trip as an object")
	assert.Equal(t, "de", value["lang"])

	rec = fix.do(t, http.MethodGet, "/agents/helper/memory", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	all := decodeMap(t, rec)
	assert.Equal(t, "helper", all["agent"])
	memory, _ := all["memory"].(map[string]any)
	assert.Contains(t, memory, "prefs")

	rec = fix.do(t, http.MethodGet, "/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	agents, _ := decodeMap(t, rec)["agents"].([]any)
	assert.Contains(t, agents, "helper")

	rec = fix.do(t, http.MethodGet, "/agents/helper/memory/unknown", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "key not found", decodeMap(t, rec)["detail"])

	rec = fix.do(t, http.MethodDelete, "/agents/helper/memory/prefs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeMap(t, rec)["deleted"])

	rec = fix.do(t, http.MethodDelete, "/agents/helper/memory/prefs", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	// The audit trail names keys but never values.
	rec = fix.do(t, http.MethodGet, "/admin/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	raw := rec.Body.String()
	assert.Contains(t, raw, "memory.set")
	assert.Contains(t, raw, "memory.deleted")
	assert.NotContains(t, raw, "formal")
}

func TestMemoryExportImport(t *testing.T) {
	fix := newFixture(t, fixtureOptions{})

	require.NoError(t, fix.memory.Set("helper", "greeting", "hello", 0))
	require.NoError(t, fix.memory.Set("planner", "step", 3, 0))

	rec := fix.do(t, http.MethodGet, "/admin/memory/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snapshot := decodeMap(t, rec)
	require.Contains(t, snapshot, "helper")
	require.Contains(t, snapshot, "planner")
	helper, _ := snapshot["helper"].(map[string]any)
	assert.Equal(t, "hello", helper["greeting"])

	// Merge import adds an agent without touching the others.
	rec = fix.do(t, http.MethodPost, "/admin/memory/import", map[string]any{
		"data": map[string]any{
			"archivist": map[string]any{"shelf": "B2"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeMap(t, rec)["imported"])

	agents, err := fix.memory.Agents()
	require.NoError(t, err)
	assert.Len(t, agents, 3)

	// Replace import rewrites the named agent: old keys are gone.
	rec = fix.do(t, http.MethodPost, "/admin/memory/import", map[string]any{
		"data": map[string]any{
			"helper": map[string]any{"mood": "calm"},
		},
		"replace": true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	_, ok, err := fix.memory.Get("helper", "greeting")
	require.NoError(t, err)
	assert.False(t, ok)
	mood, ok, err := fix.memory.Get("helper", "mood")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "calm", mood)

	// Agents outside the import payload keep their data either way.
	step, ok, err := fix.memory.Get("planner", "step")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 3, step)
}

func TestConsentTimelineExportErase(t *testing.T) {
	fix := newFixture(t, fixtureOptions{})

	require.NoError(t, fix.consent.Record(consent.Entry{
		Actor:           "alice",
		URL:             "https://intranet.example/orders/77",
		Origin:          "https://intranet.example",
		Fields:          []string{"title", "selection"},
		Redacted:        true,
		SelectedTextLen: 42,
		Title:           "Order 77",
	}))
	require.NoError(t, fix.consent.Record(consent.Entry{
		Actor:  "bob",
		URL:    "https://wiki.example/page",
		Origin: "https://wiki.example",
	}))

	rec := fix.do(t, http.MethodGet, "/consent/timeline", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	timeline := decodeMap(t, rec)
	assert.Equal(t, float64(2), timeline["count"])
	entries, _ := timeline["entries"].([]any)
	require.Len(t, entries, 2)
	newest, _ := entries[0].(map[string]any)
	assert.Equal(t, "bob", newest["actor"], "timeline is newest first")

	rec = fix.do(t, http.MethodGet, "/consent/timeline?tail=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeMap(t, rec)["count"])

	rec = fix.do(t, http.MethodGet, "/consent/timeline?tail=lots", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = fix.do(t, http.MethodGet, "/consent/export/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	export := decodeMap(t, rec)
	assert.Equal(t, "alice", export["actor"])
	assert.Equal(t, float64(1), export["count"])
	exported, _ := export["entries"].([]any)
	require.Len(t, exported, 1)
	first, _ := exported[0].(map[string]any)
	assert.Equal(t, float64(42), first["selected_text_len"])
	assert.Equal(t, true, first["redacted"])

	rec = fix.do(t, http.MethodDelete, "/consent/export/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	erased := decodeMap(t, rec)
	assert.Equal(t, "alice", erased["actor"])
	assert.Equal(t, float64(1), erased["removed"])

	rec = fix.do(t, http.MethodGet, "/consent/timeline", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeMap(t, rec)["count"])

	// Erasing an actor with no entries is a no-op, not an error.
	rec = fix.do(t, http.MethodDelete, "/consent/export/nobody", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decodeMap(t, rec)["removed"])

	rec = fix.do(t, http.MethodGet, "/admin/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	raw := rec.Body.String()
	assert.Contains(t, raw, "consent.exported")
	assert.Contains(t, raw, "consent.erased")
}

func TestKnowledgeEndpointsWithoutPipeline(t *testing.T) {
	fix := newFixture(t, fixtureOptions{})

	rec := fix.do(t, http.MethodPost, "/admin/knowledge/ingest", map[string]any{
		"text":   "the capital of France is Paris",
		"source": "notes",
	})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "knowledge pipeline disabled", decodeMap(t, rec)["detail"])

	rec = fix.do(t, http.MethodGet, "/admin/knowledge/search?q=paris", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
