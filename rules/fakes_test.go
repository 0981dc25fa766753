package rules

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// fakeClock is a manual Clock: jobs fire only inside Advance
type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	next TimerHandle
	jobs map[TimerHandle]*fakeJob
}

type fakeJob struct {
	handle   TimerHandle
	period   time.Duration
	nextFire time.Time
	fn       func()
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		now:  time.Date(2024, 3, 4, 10, 0, 0, 0, time.Local),
		jobs: make(map[TimerHandle]*fakeJob),
	}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Schedule(period time.Duration, fn func()) TimerHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	c.jobs[c.next] = &fakeJob{handle: c.next, period: period, nextFire: c.now.Add(period), fn: fn}
	return c.next
}

func (c *fakeClock) Cancel(h TimerHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.jobs, h)
}

func (c *fakeClock) ActiveJobs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

// Advance moves time forward, firing due jobs in time order. Job callbacks run
// without the clock lock held so they may schedule or cancel.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var due []*fakeJob
		for _, job := range c.jobs {
			if !job.nextFire.After(target) {
				due = append(due, job)
			}
		}
		if len(due) == 0 {
			c.now = target
			c.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].nextFire.Equal(due[j].nextFire) {
				return due[i].handle < due[j].handle
			}
			return due[i].nextFire.Before(due[j].nextFire)
		})
		job := due[0]
		c.now = job.nextFire
		job.nextFire = job.nextFire.Add(job.period)
		fn := job.fn
		c.mu.Unlock()

		fn()
	}
}

// recorder captures collaborator calls in order across all fakes
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeNotifier struct {
	rec  *recorder
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (n *fakeNotifier) Send(ctx context.Context, notification Notification) error {
	if n.rec != nil {
		n.rec.record("notify:" + notification.Message)
	}
	if n.err != nil {
		return n.err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
	return nil
}

func (n *fakeNotifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.sent...)
}

type fakeTracker struct {
	rec       *recorder
	err       error
	updates   map[string]map[string]any
	comments  []string
	assignees []string
	workItems []WorkItem
	mu        sync.Mutex
}

func (f *fakeTracker) UpdateIssue(ctx context.Context, issueID string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec != nil {
		f.rec.record("update:" + issueID)
	}
	if f.err != nil {
		return f.err
	}
	if f.updates == nil {
		f.updates = make(map[string]map[string]any)
	}
	f.updates[issueID] = fields
	return nil
}

func (f *fakeTracker) AddComment(ctx context.Context, issueID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rec != nil {
		f.rec.record("comment:" + text)
	}
	if f.err != nil {
		return f.err
	}
	f.comments = append(f.comments, text)
	return nil
}

func (f *fakeTracker) AssignUser(ctx context.Context, issueID, login string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.assignees = append(f.assignees, login)
	return nil
}

func (f *fakeTracker) LogTime(ctx context.Context, issueID string, item WorkItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.workItems = append(f.workItems, item)
	return nil
}

type fakeRunner struct {
	commands []string
	output   string
	err      error
}

func (r *fakeRunner) Run(ctx context.Context, command string) (string, error) {
	r.commands = append(r.commands, command)
	return r.output, r.err
}

// flakyHTTP fails the first failures calls, then answers with status
type flakyHTTP struct {
	mu       sync.Mutex
	failures int
	status   int
	calls    int
	payloads []any
}

func (h *flakyHTTP) Call(ctx context.Context, url, method string, payload any) (*HTTPResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	h.payloads = append(h.payloads, payload)
	if h.calls <= h.failures {
		return nil, errors.New("connection refused")
	}
	return &HTTPResponse{StatusCode: h.status}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
