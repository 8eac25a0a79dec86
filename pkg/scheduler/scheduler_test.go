package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intelliclaw/gateway/pkg/config"
)

type execLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *execLog) record(tool string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, tool)
}

func (l *execLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.calls)
}

func newScheduler(t *testing.T, exec Executor) *Scheduler {
	t.Helper()
	cfg := config.SchedulerConfig{File: filepath.Join(t.TempDir(), "schedule.json")}
	s, err := New(cfg, exec)
	require.NoError(t, err)
	return s
}

func TestCreateValidation(t *testing.T) {
	s := newScheduler(t, nil)

	_, err := s.Create("t", "", nil, 60, true)
	assert.Error(t, err, "tool required")

	_, err = s.Create("t", "fs.read", nil, 0, true)
	assert.Error(t, err, "interval below one second")

	before := time.Now().Unix()
	task, err := s.Create("", "fs.read", map[string]any{"path": "/tmp/x"}, 60, true)
	require.NoError(t, err)
	assert.Equal(t, "fs.read", task.Name, "name defaults to tool")
	assert.Len(t, task.ID, 16)
	assert.GreaterOrEqual(t, task.NextRunAt, before+60)
	assert.Zero(t, task.RunCount)
}

func TestRunDueExecutesAndReschedules(t *testing.T) {
	log := &execLog{}
	var gotArgs map[string]any
	s := newScheduler(t, func(ctx context.Context, tool string, args map[string]any) (string, error) {
		log.record(tool)
		gotArgs = args
		return "accepted", nil
	})

	task, err := s.Create("probe", "fs.read", map[string]any{"path": "/tmp/x"}, 60, true)
	require.NoError(t, err)
	triggered, err := s.Trigger(task.ID)
	require.NoError(t, err)

	now := time.Now()
	s.runDue(now)

	assert.Equal(t, []string{"fs.read"}, log.calls)
	assert.Equal(t, "/tmp/x", gotArgs["path"])

	got, ok := s.Get(task.ID)
	require.True(t, ok)
	assert.EqualValues(t, 1, got.RunCount)
	assert.Equal(t, "accepted", got.LastResult)
	assert.Empty(t, got.LastError)
	assert.Equal(t, now.Unix(), got.LastRunAt)
	assert.Equal(t, triggered.NextRunAt+60, got.NextRunAt, "next run advances by one interval")

	hist := s.History(task.ID)
	require.Len(t, hist, 1)
	assert.True(t, hist[0].OK)
	assert.EqualValues(t, 1, hist[0].Run)
	assert.Equal(t, "accepted", hist[0].Result)
}

func TestRunDueSkipsDisabledAndFuture(t *testing.T) {
	log := &execLog{}
	s := newScheduler(t, func(ctx context.Context, tool string, args map[string]any) (string, error) {
		log.record(tool)
		return "", nil
	})

	disabled, err := s.Create("off", "fs.read", nil, 60, false)
	require.NoError(t, err)
	_, err = s.Trigger(disabled.ID)
	require.NoError(t, err)

	_, err = s.Create("later", "fs.list", nil, 3600, true)
	require.NoError(t, err)

	s.runDue(time.Now())
	assert.Zero(t, log.count())
}

func TestExecutorErrorRecorded(t *testing.T) {
	s := newScheduler(t, func(ctx context.Context, tool string, args map[string]any) (string, error) {
		return "", errors.New("worker offline")
	})

	task, err := s.Create("probe", "fs.read", nil, 60, true)
	require.NoError(t, err)
	_, err = s.Trigger(task.ID)
	require.NoError(t, err)

	s.runDue(time.Now())

	got, _ := s.Get(task.ID)
	assert.EqualValues(t, 1, got.RunCount, "run count increments on failure too")
	assert.Equal(t, "worker offline", got.LastError)
	assert.Empty(t, got.LastResult)

	hist := s.History(task.ID)
	require.Len(t, hist, 1)
	assert.False(t, hist[0].OK)
	assert.Equal(t, "worker offline", hist[0].Error)
}

func TestExecutorPanicContained(t *testing.T) {
	s := newScheduler(t, func(ctx context.Context, tool string, args map[string]any) (string, error) {
		panic("boom")
	})

	task, err := s.Create("probe", "fs.read", nil, 60, true)
	require.NoError(t, err)
	_, err = s.Trigger(task.ID)
	require.NoError(t, err)

	assert.NotPanics(t, func() { s.runDue(time.Now()) })

	got, _ := s.Get(task.ID)
	assert.Contains(t, got.LastError, "task panicked")
	assert.EqualValues(t, 1, got.RunCount)
}

func TestHistoryRingBounded(t *testing.T) {
	s := newScheduler(t, func(ctx context.Context, tool string, args map[string]any) (string, error) {
		return "ok", nil
	})

	task, err := s.Create("probe", "fs.read", nil, 3600, true)
	require.NoError(t, err)

	for i := 0; i < historyRingSize+5; i++ {
		_, err = s.Trigger(task.ID)
		require.NoError(t, err)
		s.runDue(time.Now())
	}

	hist := s.History(task.ID)
	require.Len(t, hist, historyRingSize)
	assert.EqualValues(t, historyRingSize+5, hist[0].Run, "newest first")
	assert.EqualValues(t, 6, hist[len(hist)-1].Run)
}

func TestTasksSurviveRestartHistoryDoesNot(t *testing.T) {
	cfg := config.SchedulerConfig{File: filepath.Join(t.TempDir(), "schedule.json")}
	s, err := New(cfg, func(ctx context.Context, tool string, args map[string]any) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)

	task, err := s.Create("probe", "fs.read", map[string]any{"path": "/tmp"}, 60, true)
	require.NoError(t, err)
	_, err = s.Trigger(task.ID)
	require.NoError(t, err)
	s.runDue(time.Now())

	reopened, err := New(cfg, nil)
	require.NoError(t, err)

	got, ok := reopened.Get(task.ID)
	require.True(t, ok)
	assert.Equal(t, "probe", got.Name)
	assert.EqualValues(t, 1, got.RunCount)
	assert.Equal(t, "ok", got.LastResult)
	assert.Empty(t, reopened.History(task.ID), "history is in-memory only")
}

func TestToggleAndDelete(t *testing.T) {
	s := newScheduler(t, nil)
	task, err := s.Create("probe", "fs.read", nil, 60, true)
	require.NoError(t, err)

	flipped, err := s.Toggle(task.ID)
	require.NoError(t, err)
	assert.False(t, flipped.Enabled)
	flipped, err = s.Toggle(task.ID)
	require.NoError(t, err)
	assert.True(t, flipped.Enabled)

	require.NoError(t, s.Delete(task.ID))
	_, ok := s.Get(task.ID)
	assert.False(t, ok)
	assert.Error(t, s.Delete(task.ID))

	_, err = s.Toggle("missing")
	assert.Error(t, err)
	_, err = s.Trigger("missing")
	assert.Error(t, err)
}

func TestApplyUpdates(t *testing.T) {
	s := newScheduler(t, nil)
	task, err := s.Create("probe", "fs.read", nil, 60, true)
	require.NoError(t, err)

	name := "renamed"
	enabled := false
	got, err := s.Apply(task.ID, Update{
		Name:    &name,
		Args:    map[string]any{"path": "/etc/hosts"},
		Enabled: &enabled,
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, "/etc/hosts", got.Args["path"])
	assert.False(t, got.Enabled)
	assert.Equal(t, task.NextRunAt, got.NextRunAt, "no reschedule without interval change")

	interval := int64(5)
	before := time.Now().Unix()
	got, err = s.Apply(task.ID, Update{Interval: &interval})
	require.NoError(t, err)
	assert.EqualValues(t, 5, got.Interval)
	assert.GreaterOrEqual(t, got.NextRunAt, before+5, "interval change reschedules")

	bad := int64(0)
	_, err = s.Apply(task.ID, Update{Interval: &bad})
	assert.Error(t, err)

	_, err = s.Apply("missing", Update{Name: &name})
	assert.Error(t, err)
}

func TestListOldestFirst(t *testing.T) {
	s := newScheduler(t, nil)
	a, err := s.Create("a", "fs.read", nil, 60, true)
	require.NoError(t, err)
	b, err := s.Create("b", "fs.list", nil, 60, true)
	require.NoError(t, err)

	tasks := s.List()
	require.Len(t, tasks, 2)
	ids := []string{tasks[0].ID, tasks[1].ID}
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids)
}

func TestStartStop(t *testing.T) {
	s := newScheduler(t, func(ctx context.Context, tool string, args map[string]any) (string, error) {
		return "", nil
	})
	s.Start()
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
