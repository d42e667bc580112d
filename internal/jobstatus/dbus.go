package jobstatus

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/godbus/dbus/v5"
)

const (
	cupsInterface = "org.cups.cupsd.Notifier"
)

// Notifier receives job states pushed by CUPS.
type Notifier interface {
	NotifyCups(e Event) error
}

// Listener forwards the job signals of the CUPS dbus notifier. The
// scheduler emits them when a subscription with a dbus:// recipient
// exists.
type Listener struct {
	conn     *dbus.Conn
	signals  chan *dbus.Signal
	stopChan chan struct{}
	wg       sync.WaitGroup
	sink     Notifier
	logger   *log.Logger
	now      func() time.Time
}

// Listen connects to the system bus and starts forwarding signals to sink.
func Listen(sink Notifier, logger *log.Logger) (*Listener, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("system bus connection failed: %w", err)
	}
	l := newListener(conn, sink, logger)
	if err := l.start(); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

func newListener(conn *dbus.Conn, sink Notifier, logger *log.Logger) *Listener {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Listener{
		conn:     conn,
		signals:  make(chan *dbus.Signal, 256),
		stopChan: make(chan struct{}),
		sink:     sink,
		logger:   logger,
		now:      time.Now,
	}
}

func (l *Listener) start() error {
	if l.conn != nil {
		l.conn.Signal(l.signals)
		for _, member := range []string{"JobCreated", "JobState", "JobCompleted", "JobStopped"} {
			if err := l.conn.AddMatchSignal(
				dbus.WithMatchInterface(cupsInterface),
				dbus.WithMatchMember(member),
			); err != nil {
				return err
			}
		}
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case <-l.stopChan:
				return
			case sig, ok := <-l.signals:
				if !ok {
					return
				}
				if sig != nil {
					l.handleSignal(sig)
				}
			}
		}
	}()
	return nil
}

// Job signals carry: text, printer-uri, printer-name, printer-state,
// printer-state-reasons, printer-is-accepting-jobs, job-id, job-state,
// job-state-reasons, job-name, job-impressions-completed.
func (l *Listener) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case cupsInterface + ".JobCreated", cupsInterface + ".JobState",
		cupsInterface + ".JobCompleted", cupsInterface + ".JobStopped":
	default:
		return
	}
	if len(sig.Body) < 8 {
		l.logger.Warn("short cups job signal", "name", sig.Name, "fields", len(sig.Body))
		return
	}
	printer, _ := sig.Body[2].(string)
	id, ok1 := toInt(sig.Body[6])
	state, ok2 := toInt(sig.Body[7])
	if printer == "" || !ok1 || !ok2 {
		l.logger.Warn("malformed cups job signal", "name", sig.Name)
		return
	}
	now := l.now()
	e := Event{Printer: printer, JobID: id, State: state, CreationTime: now}
	if !Present(state) {
		e.CompletedTime = now
	}
	if err := l.sink.NotifyCups(e); err != nil {
		l.logger.Warn("cups job signal dropped", "job", id, "err", err)
	}
}

// InjectSignal feeds a signal through the pump as if it came from the bus.
func (l *Listener) InjectSignal(name string, body ...interface{}) bool {
	sig := &dbus.Signal{Name: name, Body: body}
	select {
	case l.signals <- sig:
		return true
	case <-time.After(2 * time.Second):
		return false
	}
}

func (l *Listener) Close() {
	select {
	case <-l.stopChan:
		return
	default:
		close(l.stopChan)
	}
	l.wg.Wait()
	if l.conn != nil {
		l.conn.RemoveSignal(l.signals)
		_ = l.conn.Close()
	}
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case uint32:
		return int(n), true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	}
	return 0, false
}
