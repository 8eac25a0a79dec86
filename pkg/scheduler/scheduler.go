// Package scheduler runs recurring tool invocations on a one-second tick.
//
// The task table persists as JSON; execution history lives in a bounded
// in-memory ring per task and is lost on restart.
package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/intelliclaw/gateway/pkg/config"
)

const historyRingSize = 50

// Executor runs one scheduled tool invocation and reports the outcome.
// In production this is backed by the supervisor pipeline.
type Executor func(ctx context.Context, tool string, args map[string]any) (string, error)

// Task is one recurring invocation. Timestamps are epoch seconds.
type Task struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Tool       string         `json:"tool"`
	Args       map[string]any `json:"args"`
	Interval   int64          `json:"interval"`
	Enabled    bool           `json:"enabled"`
	CreatedAt  int64          `json:"created_at"`
	LastRunAt  int64          `json:"last_run_at"`
	NextRunAt  int64          `json:"next_run_at"`
	RunCount   int64          `json:"run_count"`
	LastResult string         `json:"last_result,omitempty"`
	LastError  string         `json:"last_error,omitempty"`
}

func (t *Task) copy() *Task {
	dup := *t
	if t.Args != nil {
		dup.Args = make(map[string]any, len(t.Args))
		for k, v := range t.Args {
			dup.Args[k] = v
		}
	}
	return &dup
}

// HistoryRecord is one finished run. Result and Error are mutually
// exclusive.
type HistoryRecord struct {
	Run        int64     `json:"run"`
	Timestamp  time.Time `json:"ts"`
	DurationMS int64     `json:"duration_ms"`
	OK         bool      `json:"ok"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Update carries partial task mutations; nil fields are left unchanged.
type Update struct {
	Name     *string
	Tool     *string
	Args     map[string]any
	Interval *int64
	Enabled  *bool
}

// Scheduler owns the task table, its persistence, and the tick loop.
type Scheduler struct {
	mu      sync.Mutex
	path    string
	tasks   map[string]*Task
	history map[string][]HistoryRecord
	exec    Executor

	stop chan struct{}
	done chan struct{}
}

// New loads the persisted task table (a missing file is an empty table).
func New(cfg config.SchedulerConfig, exec Executor) (*Scheduler, error) {
	s := &Scheduler{
		path:    cfg.File,
		tasks:   make(map[string]*Task),
		history: make(map[string][]HistoryRecord),
		exec:    exec,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	data, err := os.ReadFile(cfg.File)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read schedule: %w", err)
	}
	var persisted struct {
		Tasks []*Task `json:"tasks"`
	}
	if err := json.Unmarshal(data, &persisted); err != nil {
		return nil, fmt.Errorf("failed to parse schedule %s: %w", cfg.File, err)
	}
	for _, task := range persisted.Tasks {
		s.tasks[task.ID] = task
	}
	return s, nil
}

// Start launches the tick loop. Stop ends it and waits for the final tick.
func (s *Scheduler) Start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.runDue(time.Now())
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

// Create registers a new task. The first run lands one interval from now.
func (s *Scheduler) Create(name, tool string, args map[string]any, interval int64, enabled bool) (*Task, error) {
	if tool == "" {
		return nil, fmt.Errorf("tool is required")
	}
	if interval < 1 {
		return nil, fmt.Errorf("interval must be at least 1 second")
	}
	if name == "" {
		name = tool
	}

	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to generate task id: %w", err)
	}
	now := time.Now().Unix()
	task := &Task{
		ID:        hex.EncodeToString(buf),
		Name:      name,
		Tool:      tool,
		Args:      args,
		Interval:  interval,
		Enabled:   enabled,
		CreatedAt: now,
		NextRunAt: now + interval,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	if err := s.saveLocked(); err != nil {
		delete(s.tasks, task.ID)
		return nil, err
	}
	return task.copy(), nil
}

func (s *Scheduler) Get(id string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return task.copy(), true
}

// List returns all tasks, oldest first.
func (s *Scheduler) List() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, task.copy())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out
}

// Apply mutates a task in place. Changing the interval reschedules the
// next run one new interval from now.
func (s *Scheduler) Apply(id string, upd Update) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s not found", id)
	}
	if upd.Interval != nil && *upd.Interval < 1 {
		return nil, fmt.Errorf("interval must be at least 1 second")
	}
	if upd.Tool != nil && *upd.Tool == "" {
		return nil, fmt.Errorf("tool is required")
	}

	if upd.Name != nil {
		task.Name = *upd.Name
	}
	if upd.Tool != nil {
		task.Tool = *upd.Tool
	}
	if upd.Args != nil {
		task.Args = upd.Args
	}
	if upd.Interval != nil {
		task.Interval = *upd.Interval
		task.NextRunAt = time.Now().Unix() + *upd.Interval
	}
	if upd.Enabled != nil {
		task.Enabled = *upd.Enabled
	}
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return task.copy(), nil
}

// Toggle flips enabled and returns the new state.
func (s *Scheduler) Toggle(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s not found", id)
	}
	task.Enabled = !task.Enabled
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return task.copy(), nil
}

// Trigger makes the task due on the next tick.
func (s *Scheduler) Trigger(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s not found", id)
	}
	task.NextRunAt = time.Now().Unix() - 1
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return task.copy(), nil
}

func (s *Scheduler) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return fmt.Errorf("task %s not found", id)
	}
	delete(s.tasks, id)
	delete(s.history, id)
	return s.saveLocked()
}

// History returns the run ring for one task, newest first.
func (s *Scheduler) History(id string) []HistoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]HistoryRecord(nil), s.history[id]...)
}

// runDue executes every enabled task whose next_run_at has passed. The
// lock is released while executors run; bookkeeping reacquires it per
// task so a slow tool cannot stall admin operations.
func (s *Scheduler) runDue(now time.Time) {
	epoch := now.Unix()

	s.mu.Lock()
	var due []*Task
	for _, task := range s.tasks {
		if task.Enabled && task.NextRunAt <= epoch {
			due = append(due, task.copy())
		}
	}
	s.mu.Unlock()

	for _, snapshot := range due {
		start := time.Now()
		result, err := s.runTask(snapshot)
		s.finishRun(snapshot.ID, epoch, time.Since(start), result, err)
	}
}

// runTask converts executor panics into errors so the tick loop never
// dies.
func (s *Scheduler) runTask(task *Task) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return s.exec(context.Background(), task.Tool, task.Args)
}

func (s *Scheduler) finishRun(id string, epoch int64, elapsed time.Duration, result string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return
	}

	task.RunCount++
	task.LastRunAt = epoch
	task.NextRunAt += task.Interval
	rec := HistoryRecord{
		Run:        task.RunCount,
		Timestamp:  time.Now().UTC(),
		DurationMS: elapsed.Milliseconds(),
		OK:         err == nil,
	}
	if err != nil {
		task.LastError = err.Error()
		task.LastResult = ""
		rec.Error = err.Error()
	} else {
		task.LastResult = result
		task.LastError = ""
		rec.Result = result
	}

	ring := append([]HistoryRecord{rec}, s.history[id]...)
	if len(ring) > historyRingSize {
		ring = ring[:historyRingSize]
	}
	s.history[id] = ring

	if saveErr := s.saveLocked(); saveErr != nil {
		slog.Error("Failed to flush schedule", "task", id, "error", saveErr)
	}
}

func (s *Scheduler) saveLocked() error {
	tasks := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt == tasks[j].CreatedAt {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt < tasks[j].CreatedAt
	})

	data, err := json.MarshalIndent(struct {
		Tasks []*Task `json:"tasks"`
	}{Tasks: tasks}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode schedule: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write schedule: %w", err)
	}
	return nil
}
