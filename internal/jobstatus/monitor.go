// Package jobstatus reconciles CUPS job states with the recorded print outs.
package jobstatus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/charmbracelet/log"
	lru "github.com/hashicorp/golang-lru/v2"

	"ippproxy/internal/model"
	"ippproxy/internal/notify"
	"ippproxy/internal/store"
)

// StateUnknown is reported when CUPS no longer knows a job.
const StateUnknown = 0

const topic = "cups-job"

var (
	ErrNoCreationTime = errors.New("jobstatus: event without creation time")
	ErrStopped        = errors.New("jobstatus: monitor stopped")
	ErrBusy           = errors.New("jobstatus: inbox full")
)

// Event is a job state observed by CUPS or recorded by the proxy.
type Event struct {
	Printer       string
	JobID         int
	State         int
	CreationTime  time.Time
	CompletedTime time.Time
}

type PrintOutStore interface {
	FindCupsJob(ctx context.Context, printer string, cupsJobID int) (model.PrintOut, error)
	UpdateCupsJobState(ctx context.Context, id int64, state int, completed *time.Time) error
}

type Publisher interface {
	Publish(ctx context.Context, level notify.Level, topic, msg string)
}

// Poller reads a job straight from CUPS when no event arrived for a while.
type Poller interface {
	JobState(ctx context.Context, id int) (Event, error)
}

type source int

const (
	fromCups source = iota
	fromPrintOut
)

type message struct {
	src source
	ev  Event
}

type status struct {
	printer  string
	jobID    int
	created  time.Time
	seen     time.Time
	lastNews time.Time
	lastPoll time.Time

	hasPrintOut   bool
	statePrintOut int
	// stateCups is the state last written to the print out.
	stateCups int
	resolved  bool

	hasUpdate       bool
	stateCupsUpdate int
	completed       time.Time
}

type Monitor struct {
	Store     PrintOutStore
	Publisher Publisher
	Poller    Poller
	Logger    *log.Logger

	Interval     time.Duration
	OrphanAge    time.Duration
	FindAttempts int
	FindDelay    time.Duration
	PollAge      time.Duration

	// Remember is how many removed job ids are kept so late events for
	// them are dropped. Ids beyond that bound are forgotten oldest first,
	// and a late event for a forgotten id starts a new entry that ends as
	// an orphan. Set before Start.
	Remember int

	// EnqueueTimeout bounds how long Notify* waits for room in the inbox
	// before giving up with ErrBusy.
	EnqueueTimeout time.Duration

	now     func() time.Time
	inbox   chan message
	jobs    map[int]*status
	removed *lru.Cache[int, struct{}]

	started  atomic.Bool
	stopChan chan struct{}
	done     chan struct{}
}

const defaultRemember = 4096

func New(st PrintOutStore, pub Publisher, logger *log.Logger) *Monitor {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	removed, _ := lru.New[int, struct{}](defaultRemember)
	return &Monitor{
		Store:          st,
		Publisher:      pub,
		Logger:         logger,
		Interval:       2 * time.Second,
		OrphanAge:      30 * time.Second,
		FindAttempts:   3,
		FindDelay:      2 * time.Second,
		PollAge:        time.Minute,
		Remember:       defaultRemember,
		EnqueueTimeout: 2 * time.Second,
		now:            time.Now,
		inbox:          make(chan message, 256),
		jobs:           map[int]*status{},
		removed:        removed,
		stopChan:       make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// NotifyCups queues a state pushed by CUPS.
func (m *Monitor) NotifyCups(e Event) error {
	return m.enqueue(message{src: fromCups, ev: e})
}

// NotifyPrintOut queues a job the proxy just submitted.
func (m *Monitor) NotifyPrintOut(e Event) error {
	return m.enqueue(message{src: fromPrintOut, ev: e})
}

func (m *Monitor) enqueue(msg message) error {
	if msg.ev.CreationTime.IsZero() {
		return fmt.Errorf("%w: job %d", ErrNoCreationTime, msg.ev.JobID)
	}
	select {
	case <-m.stopChan:
		return ErrStopped
	default:
	}
	select {
	case m.inbox <- msg:
		return nil
	default:
	}
	timer := time.NewTimer(m.EnqueueTimeout)
	defer timer.Stop()
	select {
	case m.inbox <- msg:
		return nil
	case <-m.stopChan:
		return ErrStopped
	case <-timer.C:
		m.Logger.Warn("job status inbox full, dropping event", "printer", msg.ev.Printer, "job", msg.ev.JobID)
		return fmt.Errorf("%w: job %d", ErrBusy, msg.ev.JobID)
	}
}

// Start runs the monitor loop until Stop or ctx ends.
func (m *Monitor) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	if m.Remember > 0 && m.Remember != defaultRemember {
		m.removed.Resize(m.Remember)
	}
	go m.run(ctx)
}

// Stop asks the loop to end and waits for the pass in progress.
func (m *Monitor) Stop() {
	select {
	case <-m.stopChan:
	default:
		close(m.stopChan)
	}
	if m.started.Load() {
		<-m.done
	}
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	for {
		select {
		case msg := <-m.inbox:
			m.apply(msg)
		case <-ticker.C:
			m.drain()
			m.safePass(ctx)
		case <-m.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) drain() {
	for {
		select {
		case msg := <-m.inbox:
			m.apply(msg)
		default:
			return
		}
	}
}

func (m *Monitor) apply(msg message) {
	e := msg.ev
	if m.removed.Contains(e.JobID) {
		return
	}
	now := m.now()
	st, ok := m.jobs[e.JobID]
	if !ok {
		st = &status{printer: e.Printer, jobID: e.JobID, created: e.CreationTime, seen: now}
		m.jobs[e.JobID] = st
	}
	st.lastNews = now
	switch msg.src {
	case fromCups:
		st.hasUpdate = true
		st.stateCupsUpdate = e.State
		if !e.CompletedTime.IsZero() {
			st.completed = e.CompletedTime
		}
	case fromPrintOut:
		st.hasPrintOut = true
		st.statePrintOut = e.State
		st.created = e.CreationTime
		if e.Printer != "" {
			st.printer = e.Printer
		}
		if !st.resolved {
			st.stateCups = e.State
			st.resolved = true
		}
	}
}

func (m *Monitor) safePass(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.Logger.Error("job status pass panicked", "panic", r)
		}
	}()
	m.pass(ctx)
}

func (m *Monitor) pass(ctx context.Context) {
	now := m.now()
	for id, st := range m.jobs {
		if ctx.Err() != nil {
			return
		}
		if !st.hasPrintOut {
			if now.Sub(st.seen) > m.OrphanAge {
				m.publish(ctx, notify.LevelInfo, fmt.Sprintf("external print job %d on %s: %s", id, st.printer, StateName(m.currentState(st))))
				m.remove(id)
			}
			continue
		}
		if m.Poller != nil && !st.hasUpdate && now.Sub(st.lastNews) > m.PollAge && now.Sub(st.lastPoll) > m.PollAge {
			st.lastPoll = now
			if e, err := m.Poller.JobState(ctx, id); err != nil {
				m.Logger.Warn("poll cups job", "job", id, "err", err)
			} else {
				st.hasUpdate, st.stateCupsUpdate = true, e.State
				if !e.CompletedTime.IsZero() {
					st.completed = e.CompletedTime
				}
			}
		}
		m.reconcile(ctx, st)
	}
}

// currentState prefers a fresh CUPS update over the last known state. An
// unknown update always wins; a terminal state is never replaced by a
// stale non-terminal update.
func (m *Monitor) currentState(st *status) int {
	if !st.hasUpdate {
		if st.resolved {
			return st.stateCups
		}
		return st.statePrintOut
	}
	if st.stateCupsUpdate == StateUnknown {
		return StateUnknown
	}
	if st.resolved && !Present(st.stateCups) && Present(st.stateCupsUpdate) {
		return st.stateCups
	}
	return st.stateCupsUpdate
}

func (m *Monitor) reconcile(ctx context.Context, st *status) {
	state := m.currentState(st)
	st.hasUpdate = false
	if st.resolved && state == st.stateCups {
		if !Present(state) {
			m.remove(st.jobID)
		}
		return
	}

	po, err := m.findPrintOut(ctx, st.printer, st.jobID)
	if err != nil {
		m.publish(ctx, notify.LevelError, fmt.Sprintf("print out of cups job %d on %s not found: %v", st.jobID, st.printer, err))
		m.remove(st.jobID)
		return
	}

	var completed *time.Time
	if !Present(state) {
		ct := CorrectCompletedTime(st.completed, st.created, m.now())
		completed = &ct
	}
	if err := m.Store.UpdateCupsJobState(ctx, po.ID, state, completed); err != nil {
		m.Logger.Error("update print out state", "job", st.jobID, "err", err)
		st.hasUpdate, st.stateCupsUpdate = true, state
		return
	}
	st.stateCups, st.resolved = state, true
	m.publish(ctx, Severity(state), fmt.Sprintf("cups job %d on %s (%s): %s", st.jobID, st.printer, po.Username, StateName(state)))
	if !Present(state) {
		m.remove(st.jobID)
	}
}

func (m *Monitor) findPrintOut(ctx context.Context, printer string, id int) (model.PrintOut, error) {
	attempts := m.FindAttempts
	if attempts < 1 {
		attempts = 1
	}
	var po model.PrintOut
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(m.FindDelay), uint64(attempts-1)), ctx)
	err := backoff.Retry(func() error {
		var err error
		po, err = m.Store.FindCupsJob(ctx, printer, id)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	return po, err
}

func (m *Monitor) remove(id int) {
	delete(m.jobs, id)
	m.removed.Add(id, struct{}{})
}

func (m *Monitor) publish(ctx context.Context, level notify.Level, msg string) {
	if m.Publisher != nil {
		m.Publisher.Publish(ctx, level, topic, msg)
		return
	}
	m.Logger.Info(msg, "level", level)
}

// tracked is only safe to call when the loop is not running.
func (m *Monitor) tracked() int {
	return len(m.jobs)
}

// Present reports whether a job in state is still on a CUPS queue.
func Present(state int) bool {
	return state >= model.JobPending && state <= model.JobProcessingStopped
}

// Severity maps a job state to the admin event level.
func Severity(state int) notify.Level {
	switch state {
	case model.JobPendingHeld, model.JobAborted, model.JobCanceled:
		return notify.LevelWarn
	case StateUnknown, model.JobProcessingStopped:
		return notify.LevelError
	}
	return notify.LevelInfo
}

// CorrectCompletedTime replaces a missing, future or pre-creation
// completion time with now.
func CorrectCompletedTime(completed, created, now time.Time) time.Time {
	if completed.IsZero() || completed.After(now) || completed.Before(created) {
		return now
	}
	return completed
}

func StateName(state int) string {
	switch state {
	case model.JobPending:
		return "pending"
	case model.JobPendingHeld:
		return "pending-held"
	case model.JobProcessing:
		return "processing"
	case model.JobProcessingStopped:
		return "processing-stopped"
	case model.JobCanceled:
		return "canceled"
	case model.JobAborted:
		return "aborted"
	case model.JobCompleted:
		return "completed"
	}
	return "unknown"
}
