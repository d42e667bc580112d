package jobstatus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ippproxy/internal/model"
	"ippproxy/internal/notify"
	"ippproxy/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	outs     map[string]model.PrintOut
	finds    int
	updates  []update
	failNext bool
}

type update struct {
	id        int64
	state     int
	completed *time.Time
}

func newFakeStore(outs ...model.PrintOut) *fakeStore {
	s := &fakeStore{outs: map[string]model.PrintOut{}}
	for _, po := range outs {
		s.outs[fmt.Sprintf("%s/%d", po.Printer, po.CupsJobID)] = po
	}
	return s
}

func (s *fakeStore) FindCupsJob(_ context.Context, printer string, id int) (model.PrintOut, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finds++
	po, ok := s.outs[fmt.Sprintf("%s/%d", printer, id)]
	if !ok {
		return model.PrintOut{}, store.ErrNotFound
	}
	return po, nil
}

func (s *fakeStore) UpdateCupsJobState(_ context.Context, id int64, state int, completed *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return fmt.Errorf("database is locked")
	}
	s.updates = append(s.updates, update{id, state, completed})
	return nil
}

type published struct {
	level notify.Level
	msg   string
}

type fakePublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *fakePublisher) Publish(_ context.Context, level notify.Level, _ string, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{level, msg})
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMonitor(st PrintOutStore, pub Publisher) (*Monitor, *clock) {
	c := &clock{t: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	m := New(st, pub, nil)
	m.now = c.now
	m.FindDelay = 0
	return m, c
}

func TestPrintOutCompletes(t *testing.T) {
	st := newFakeStore(model.PrintOut{ID: 7, Username: "alice", Printer: "OFFICE", CupsJobID: 41})
	pub := &fakePublisher{}
	m, c := newTestMonitor(st, pub)
	ctx := context.Background()

	created := c.now()
	m.apply(message{fromPrintOut, Event{Printer: "OFFICE", JobID: 41, State: model.JobPending, CreationTime: created}})
	m.pass(ctx)
	assert.Empty(t, st.updates, "unchanged state must not write")

	c.advance(time.Minute)
	done := created.Add(30 * time.Second)
	m.apply(message{fromCups, Event{Printer: "OFFICE", JobID: 41, State: model.JobCompleted, CreationTime: c.now(), CompletedTime: done}})
	m.pass(ctx)

	require.Len(t, st.updates, 1)
	assert.Equal(t, int64(7), st.updates[0].id)
	assert.Equal(t, model.JobCompleted, st.updates[0].state)
	require.NotNil(t, st.updates[0].completed)
	assert.True(t, st.updates[0].completed.Equal(done))
	require.Len(t, pub.events, 1)
	assert.Equal(t, notify.LevelInfo, pub.events[0].level)
	assert.Equal(t, 0, m.tracked())

	// a late event for a removed job is ignored
	m.apply(message{fromCups, Event{Printer: "OFFICE", JobID: 41, State: model.JobProcessing, CreationTime: c.now()}})
	m.pass(ctx)
	assert.Len(t, st.updates, 1)
	assert.Equal(t, 0, m.tracked())
}

func TestCompletedTimeIsCorrected(t *testing.T) {
	st := newFakeStore(model.PrintOut{ID: 1, Printer: "P", CupsJobID: 2})
	m, c := newTestMonitor(st, &fakePublisher{})
	created := c.now()
	m.apply(message{fromPrintOut, Event{Printer: "P", JobID: 2, State: model.JobProcessing, CreationTime: created}})
	m.apply(message{fromCups, Event{Printer: "P", JobID: 2, State: model.JobAborted, CreationTime: created, CompletedTime: created.Add(-time.Hour)}})
	m.pass(context.Background())

	require.Len(t, st.updates, 1)
	assert.True(t, st.updates[0].completed.Equal(c.now()))
}

func TestPrintOutNotFoundDropsJob(t *testing.T) {
	st := newFakeStore()
	pub := &fakePublisher{}
	m, c := newTestMonitor(st, pub)
	m.FindAttempts = 3
	m.apply(message{fromPrintOut, Event{Printer: "P", JobID: 5, State: model.JobPending, CreationTime: c.now()}})
	m.apply(message{fromCups, Event{Printer: "P", JobID: 5, State: model.JobProcessing, CreationTime: c.now()}})
	m.pass(context.Background())

	assert.Equal(t, 3, st.finds)
	require.Len(t, pub.events, 1)
	assert.Equal(t, notify.LevelError, pub.events[0].level)
	assert.Equal(t, 0, m.tracked())
}

func TestExternalJobBecomesOrphan(t *testing.T) {
	st := newFakeStore()
	pub := &fakePublisher{}
	m, c := newTestMonitor(st, pub)
	m.apply(message{fromCups, Event{Printer: "P", JobID: 9, State: model.JobProcessing, CreationTime: c.now()}})
	m.pass(context.Background())
	assert.Equal(t, 1, m.tracked())

	c.advance(m.OrphanAge + time.Second)
	m.pass(context.Background())
	assert.Equal(t, 0, m.tracked())
	assert.Zero(t, st.finds)
	require.Len(t, pub.events, 1)
	assert.Equal(t, notify.LevelInfo, pub.events[0].level)
	assert.Contains(t, pub.events[0].msg, "external")
}

func TestUnknownStateWins(t *testing.T) {
	st := newFakeStore(model.PrintOut{ID: 3, Printer: "P", CupsJobID: 4})
	pub := &fakePublisher{}
	m, c := newTestMonitor(st, pub)
	m.apply(message{fromPrintOut, Event{Printer: "P", JobID: 4, State: model.JobProcessing, CreationTime: c.now()}})
	m.apply(message{fromCups, Event{Printer: "P", JobID: 4, State: StateUnknown, CreationTime: c.now()}})
	m.pass(context.Background())

	require.Len(t, st.updates, 1)
	assert.Equal(t, StateUnknown, st.updates[0].state)
	require.Len(t, pub.events, 1)
	assert.Equal(t, notify.LevelError, pub.events[0].level)
}

func TestTerminalStateIsNotRegressed(t *testing.T) {
	m, _ := newTestMonitor(newFakeStore(), nil)
	st := &status{resolved: true, stateCups: model.JobCompleted, hasUpdate: true, stateCupsUpdate: model.JobProcessing}
	assert.Equal(t, model.JobCompleted, m.currentState(st))
	st.stateCupsUpdate = StateUnknown
	assert.Equal(t, StateUnknown, m.currentState(st))
	st = &status{resolved: true, stateCups: model.JobPending, hasUpdate: true, stateCupsUpdate: model.JobPendingHeld}
	assert.Equal(t, model.JobPendingHeld, m.currentState(st))
}

func TestFailedUpdateIsRetried(t *testing.T) {
	st := newFakeStore(model.PrintOut{ID: 3, Printer: "P", CupsJobID: 4})
	st.failNext = true
	m, c := newTestMonitor(st, &fakePublisher{})
	m.apply(message{fromPrintOut, Event{Printer: "P", JobID: 4, State: model.JobPending, CreationTime: c.now()}})
	m.apply(message{fromCups, Event{Printer: "P", JobID: 4, State: model.JobPendingHeld, CreationTime: c.now()}})
	m.pass(context.Background())
	assert.Empty(t, st.updates)
	m.pass(context.Background())
	require.Len(t, st.updates, 1)
	assert.Equal(t, model.JobPendingHeld, st.updates[0].state)
	assert.Nil(t, st.updates[0].completed)
	assert.Equal(t, 1, m.tracked())
}

func TestNotifyRejectsMissingCreationTime(t *testing.T) {
	m, _ := newTestMonitor(newFakeStore(), nil)
	err := m.NotifyCups(Event{Printer: "P", JobID: 1, State: model.JobPending})
	assert.ErrorIs(t, err, ErrNoCreationTime)
}

func TestMonitorLoopStops(t *testing.T) {
	st := newFakeStore(model.PrintOut{ID: 1, Printer: "P", CupsJobID: 2})
	m, c := newTestMonitor(st, &fakePublisher{})
	m.Interval = 5 * time.Millisecond
	m.Start(context.Background())
	require.NoError(t, m.NotifyPrintOut(Event{Printer: "P", JobID: 2, State: model.JobPending, CreationTime: c.now()}))
	require.NoError(t, m.NotifyCups(Event{Printer: "P", JobID: 2, State: model.JobCompleted, CreationTime: c.now()}))
	assert.Eventually(t, func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.updates) == 1
	}, time.Second, 5*time.Millisecond)
	m.Stop()
	assert.ErrorIs(t, m.NotifyCups(Event{Printer: "P", JobID: 3, CreationTime: c.now()}), ErrStopped)
}

func TestSeverityAndPresence(t *testing.T) {
	assert.Equal(t, notify.LevelWarn, Severity(model.JobPendingHeld))
	assert.Equal(t, notify.LevelWarn, Severity(model.JobCanceled))
	assert.Equal(t, notify.LevelError, Severity(model.JobProcessingStopped))
	assert.Equal(t, notify.LevelInfo, Severity(model.JobCompleted))
	assert.True(t, Present(model.JobProcessingStopped))
	assert.False(t, Present(model.JobCanceled))
	assert.False(t, Present(StateUnknown))
}

func TestStopWithoutStartReturns(t *testing.T) {
	m, c := newTestMonitor(newFakeStore(), nil)
	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a monitor that never started")
	}
	assert.ErrorIs(t, m.NotifyPrintOut(Event{Printer: "P", JobID: 1, CreationTime: c.now()}), ErrStopped)
}

func TestRememberBoundsRemovedIDs(t *testing.T) {
	st := newFakeStore(
		model.PrintOut{ID: 1, Printer: "P", CupsJobID: 1},
		model.PrintOut{ID: 2, Printer: "P", CupsJobID: 2},
	)
	m, c := newTestMonitor(st, &fakePublisher{})
	m.Remember = 1
	m.removed.Resize(m.Remember)
	ctx := context.Background()
	for _, id := range []int{1, 2} {
		m.apply(message{fromPrintOut, Event{Printer: "P", JobID: id, State: model.JobPending, CreationTime: c.now()}})
		m.apply(message{fromCups, Event{Printer: "P", JobID: id, State: model.JobCompleted, CreationTime: c.now()}})
		m.pass(ctx)
	}
	require.Len(t, st.updates, 2)
	assert.Equal(t, 0, m.tracked())

	m.apply(message{fromCups, Event{Printer: "P", JobID: 2, State: model.JobProcessing, CreationTime: c.now()}})
	assert.Equal(t, 0, m.tracked(), "job 2 is still remembered")
	m.apply(message{fromCups, Event{Printer: "P", JobID: 1, State: model.JobProcessing, CreationTime: c.now()}})
	assert.Equal(t, 1, m.tracked(), "job 1 was forgotten")
}

func TestEnqueueGivesUpWhenInboxFull(t *testing.T) {
	m, c := newTestMonitor(newFakeStore(), nil)
	m.EnqueueTimeout = 10 * time.Millisecond
	for i := 0; i < cap(m.inbox); i++ {
		require.NoError(t, m.NotifyCups(Event{Printer: "P", JobID: i + 1, CreationTime: c.now()}))
	}

	returned := make(chan error, 1)
	go func() { returned <- m.NotifyPrintOut(Event{Printer: "P", JobID: 999, CreationTime: c.now()}) }()
	select {
	case err := <-returned:
		assert.ErrorIs(t, err, ErrBusy)
	case <-time.After(2 * time.Second):
		t.Fatal("NotifyPrintOut blocked on a full inbox")
	}

	<-m.inbox
	assert.NoError(t, m.NotifyPrintOut(Event{Printer: "P", JobID: 999, CreationTime: c.now()}))
}
