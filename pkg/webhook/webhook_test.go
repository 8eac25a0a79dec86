package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelliclaw/gateway/pkg/config"
)

func newDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	cfg := config.WebhookConfig{File: filepath.Join(t.TempDir(), "webhooks.json")}
	cfg.SetDefaults()
	d, err := NewDispatcher(cfg, nil)
	require.NoError(t, err)
	d.sleep = func(time.Duration) {}
	return d
}

func TestRegisterValidation(t *testing.T) {
	d := newDispatcher(t)

	_, err := d.Register("ftp://example.com", []string{EventGatewayAlert}, "")
	assert.Error(t, err, "non-http scheme rejected")

	_, err = d.Register("not a url", []string{EventGatewayAlert}, "")
	assert.Error(t, err)

	_, err = d.Register("https://example.com/hook", []string{"approval.exploded"}, "")
	assert.Error(t, err, "unknown event rejected")

	_, err = d.Register("https://example.com/hook", nil, "")
	assert.Error(t, err, "empty event set rejected")

	v, err := d.Register("https://example.com/hook", []string{EventApprovalCreated, EventGatewayAlert}, "")
	require.NoError(t, err)
	assert.NotEmpty(t, v.ID)
	assert.False(t, v.Signed)
}

func TestRegistryRoundTripHidesSecret(t *testing.T) {
	d := newDispatcher(t)

	created, err := d.Register("https://example.com/hook", []string{EventGatewayAlert}, "hunter2")
	require.NoError(t, err)
	assert.True(t, created.Signed)

	views := d.List()
	require.Len(t, views, 1)
	assert.True(t, views[0].Signed)

	got, ok := d.Get(created.ID)
	require.True(t, ok)
	assert.Equal(t, created.ID, got.ID)
	assert.True(t, got.Signed)

	// The public view type has no secret field at all.
	raw, err := json.Marshal(got)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hunter2")
	assert.NotContains(t, string(raw), "secret")

	require.NoError(t, d.Delete(created.ID))
	_, ok = d.Get(created.ID)
	assert.False(t, ok)
	assert.Error(t, d.Delete(created.ID))
}

func TestRegistrySurvivesRestart(t *testing.T) {
	cfg := config.WebhookConfig{File: filepath.Join(t.TempDir(), "webhooks.json")}
	cfg.SetDefaults()

	d, err := NewDispatcher(cfg, nil)
	require.NoError(t, err)
	created, err := d.Register("https://example.com/hook", []string{EventApprovalApproved}, "k")
	require.NoError(t, err)

	reopened, err := NewDispatcher(cfg, nil)
	require.NoError(t, err)
	got, ok := reopened.Get(created.ID)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/hook", got.URL)
	assert.True(t, got.Signed)
}

func TestFireDeliversSignedPayload(t *testing.T) {
	type capture struct {
		headers http.Header
		body    []byte
	}
	got := make(chan capture, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- capture{headers: r.Header.Clone(), body: body}
	}))
	defer srv.Close()

	d := newDispatcher(t)
	hook, err := d.Register(srv.URL, []string{EventApprovalCreated}, "topsecret")
	require.NoError(t, err)

	payload := map[string]any{"id": 1, "tool": "system.exec"}
	d.Fire(EventApprovalCreated, payload)
	d.Close()

	select {
	case c := <-got:
		assert.Equal(t, "application/json", c.headers.Get("Content-Type"))
		assert.Equal(t, EventApprovalCreated, c.headers.Get("X-Gateway-Event"))
		assert.Equal(t, hook.ID, c.headers.Get("X-Gateway-Hook-ID"))
		assert.Equal(t, "sha256="+Sign("topsecret", c.body), c.headers.Get(SignatureHeader))

		var decoded map[string]any
		require.NoError(t, json.Unmarshal(c.body, &decoded))
		assert.Equal(t, "system.exec", decoded["tool"])
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never arrived")
	}

	recs := d.Deliveries(hook.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, "ok", recs[0].Status)
	assert.Equal(t, http.StatusOK, recs[0].StatusCode)
	assert.Equal(t, 1, recs[0].Attempts)
	assert.Equal(t, EventApprovalCreated, recs[0].Event)
}

func TestFireSkipsUnsubscribedHooks(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	d := newDispatcher(t)
	hook, err := d.Register(srv.URL, []string{EventGatewayAlert}, "")
	require.NoError(t, err)

	d.Fire(EventApprovalCreated, map[string]any{"id": 1})
	d.Close()

	assert.Zero(t, hits.Load())
	assert.Empty(t, d.Deliveries(hook.ID))
}

func TestRetryAfterServerError(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newDispatcher(t)
	var mu sync.Mutex
	var slept []time.Duration
	d.sleep = func(dur time.Duration) {
		mu.Lock()
		slept = append(slept, dur)
		mu.Unlock()
	}

	hook, err := d.Register(srv.URL, []string{EventGatewayAlert}, "")
	require.NoError(t, err)
	d.Fire(EventGatewayAlert, map[string]any{"alert": "worker_unhealthy"})
	d.Close()

	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, []time.Duration{time.Second}, slept)

	recs := d.Deliveries(hook.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, "ok", recs[0].Status)
	assert.Equal(t, 2, recs[0].Attempts)
}

func TestClientErrorStopsImmediately(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d := newDispatcher(t)
	hook, err := d.Register(srv.URL, []string{EventGatewayAlert}, "")
	require.NoError(t, err)
	d.Fire(EventGatewayAlert, map[string]any{"alert": "x"})
	d.Close()

	assert.EqualValues(t, 1, calls.Load())
	recs := d.Deliveries(hook.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, "error", recs[0].Status)
	assert.Equal(t, http.StatusNotFound, recs[0].StatusCode)
	assert.Equal(t, "HTTP 404", recs[0].Error)
	assert.Equal(t, 1, recs[0].Attempts)
}

func TestNetworkErrorExhaustsRetries(t *testing.T) {
	d := newDispatcher(t)
	var mu sync.Mutex
	var slept []time.Duration
	d.sleep = func(dur time.Duration) {
		mu.Lock()
		slept = append(slept, dur)
		mu.Unlock()
	}

	// Nothing listens on port 1.
	hook, err := d.Register("http://127.0.0.1:1/hook", []string{EventGatewayAlert}, "")
	require.NoError(t, err)
	d.Fire(EventGatewayAlert, map[string]any{"alert": "x"})
	d.Close()

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, slept)

	recs := d.Deliveries(hook.ID)
	require.Len(t, recs, 1)
	assert.Equal(t, "error", recs[0].Status)
	assert.Equal(t, 3, recs[0].Attempts)
	assert.NotEmpty(t, recs[0].Error)
	assert.Zero(t, recs[0].StatusCode)
}

func TestDeliveryRingNewestFirstAndBounded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	d := newDispatcher(t)
	hook, err := d.Register(srv.URL, []string{EventApprovalCreated, EventApprovalApproved}, "")
	require.NoError(t, err)

	d.Fire(EventApprovalCreated, map[string]any{"id": 1})
	require.Eventually(t, func() bool { return len(d.Deliveries(hook.ID)) == 1 },
		2*time.Second, 10*time.Millisecond)

	d.Fire(EventApprovalApproved, map[string]any{"id": 1})
	require.Eventually(t, func() bool { return len(d.Deliveries(hook.ID)) == 2 },
		2*time.Second, 10*time.Millisecond)

	recs := d.Deliveries(hook.ID)
	assert.Equal(t, EventApprovalApproved, recs[0].Event, "newest first")
	assert.Equal(t, EventApprovalCreated, recs[1].Event)

	for i := 0; i < deliveryRingSize+10; i++ {
		d.Fire(EventApprovalCreated, map[string]any{"seq": i})
	}
	d.Close()
	assert.Len(t, d.Deliveries(hook.ID), deliveryRingSize)
}

func TestFireAfterCloseIsDropped(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	d := newDispatcher(t)
	_, err := d.Register(srv.URL, []string{EventGatewayAlert}, "")
	require.NoError(t, err)

	d.Close()
	d.Fire(EventGatewayAlert, map[string]any{"alert": "x"})
	assert.Zero(t, hits.Load())
}

func TestUnserialisablePayloadDropped(t *testing.T) {
	d := newDispatcher(t)
	_, err := d.Register("https://example.com/hook", []string{EventGatewayAlert}, "")
	require.NoError(t, err)

	d.Fire(EventGatewayAlert, map[string]any{"fn": func() {}})
	d.Close()
}
