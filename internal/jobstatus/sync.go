package jobstatus

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	goipp "github.com/OpenPrinting/goipp"
	"github.com/charmbracelet/log"

	"ippproxy/internal/cupsclient"
	"ippproxy/internal/model"
)

// JobEvents are the CUPS notify-events the listener needs.
var JobEvents = []string{"job-created", "job-state-changed", "job-completed", "job-stopped"}

type CupsJobs interface {
	GetJobAttributes(ctx context.Context, id int) (cupsclient.Job, error)
}

// CupsPoller asks CUPS for a single job.
type CupsPoller struct {
	Client CupsJobs
}

func (p CupsPoller) JobState(ctx context.Context, id int) (Event, error) {
	job, err := p.Client.GetJobAttributes(ctx, id)
	if err != nil {
		var se *cupsclient.StatusError
		if errors.As(err, &se) && se.Status == goipp.StatusErrorNotFound {
			return Event{JobID: id, State: StateUnknown, CreationTime: time.Now()}, nil
		}
		return Event{}, err
	}
	return Event{
		Printer:       job.Printer,
		JobID:         job.ID,
		State:         job.State,
		CreationTime:  job.CreationTime,
		CompletedTime: job.CompletedTime,
	}, nil
}

type ActivePrintOuts interface {
	ListActivePrintOuts(ctx context.Context) ([]model.PrintOut, error)
}

// Sync registers every print out that has not reached a final state and
// queries CUPS for its current state. It is run once at startup so jobs
// that finished while the server was down get reconciled.
func Sync(ctx context.Context, st ActivePrintOuts, poller Poller, m *Monitor) (int, error) {
	active, err := st.ListActivePrintOuts(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, po := range active {
		created := po.CupsCreationTime
		if created.IsZero() {
			created = po.CreatedAt
		}
		if err := m.NotifyPrintOut(Event{Printer: po.Printer, JobID: po.CupsJobID, State: po.CupsJobState, CreationTime: created}); err != nil {
			return n, err
		}
		n++
		if poller == nil {
			continue
		}
		e, err := poller.JobState(ctx, po.CupsJobID)
		if err != nil {
			m.Logger.Warn("sync cups job", "job", po.CupsJobID, "err", err)
			continue
		}
		if e.Printer == "" {
			e.Printer = po.Printer
		}
		if e.CreationTime.IsZero() {
			e.CreationTime = created
		}
		if err := m.NotifyCups(e); err != nil {
			return n, err
		}
	}
	return n, nil
}

type Subscriber interface {
	CreateSubscription(ctx context.Context, recipient string, events []string, lease time.Duration) (int, error)
	RenewSubscription(ctx context.Context, id int, lease time.Duration) error
}

// DBusSubscription keeps CUPS emitting job events on the system bus. CUPS
// drops a subscription when its lease ends, so Start renews it every half
// lease and creates a new one when CUPS no longer knows the old id.
type DBusSubscription struct {
	Client Subscriber
	Lease  time.Duration
	Logger *log.Logger

	mu       sync.Mutex
	id       int
	started  bool
	stopChan chan struct{}
	done     chan struct{}
}

// ID returns the current subscription id, 0 before the first success.
func (s *DBusSubscription) ID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Ensure creates the subscription or renews the existing one.
func (s *DBusSubscription) Ensure(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id != 0 {
		err := s.Client.RenewSubscription(ctx, s.id, s.Lease)
		if err == nil {
			return s.id, nil
		}
		var se *cupsclient.StatusError
		if !errors.As(err, &se) || se.Status != goipp.StatusErrorNotFound {
			return s.id, err
		}
		s.logger().Warn("cups dbus subscription expired, creating a new one", "id", s.id)
		s.id = 0
	}
	id, err := s.Client.CreateSubscription(ctx, "dbus://", JobEvents, s.Lease)
	if err != nil {
		return 0, err
	}
	s.id = id
	return id, nil
}

// Start ensures the subscription now and then every half lease until Stop
// or ctx ends.
func (s *DBusSubscription) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()

	every := s.Lease / 2
	if every <= 0 {
		every = 12 * time.Hour
	}
	go func() {
		defer close(s.done)
		s.ensure(ctx)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.ensure(ctx)
			case <-s.stopChan:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *DBusSubscription) ensure(ctx context.Context) {
	if id, err := s.Ensure(ctx); err != nil {
		s.logger().Warn("cups dbus subscription", "err", err)
	} else {
		s.logger().Debug("cups dbus subscription", "id", id)
	}
}

func (s *DBusSubscription) Stop() {
	s.mu.Lock()
	if !s.started || s.stopChan == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopChan)
	s.stopChan = nil
	s.mu.Unlock()
	<-s.done
}

func (s *DBusSubscription) logger() *log.Logger {
	if s.Logger == nil {
		return log.New(io.Discard)
	}
	return s.Logger
}
