// Package notify publishes administrative events to the log, the
// database and live websocket listeners.
package notify

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"ippproxy/internal/model"
)

type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

type Event struct {
	ID      int64     `json:"id,omitempty"`
	Topic   string    `json:"topic"`
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// EventStore persists admin events.
type EventStore interface {
	AddAdminEvent(ctx context.Context, e model.AdminEvent) (int64, error)
}

type Publisher struct {
	Store  EventStore
	Hub    *Hub
	Logger *log.Logger
}

// Publish records msg under topic. Storage failures are logged and do not
// stop delivery to live listeners.
func (p *Publisher) Publish(ctx context.Context, level Level, topic, msg string) {
	e := Event{Topic: topic, Level: level, Message: msg, Time: time.Now().UTC()}
	if p.Logger != nil {
		switch level {
		case LevelError:
			p.Logger.Error(msg, "topic", topic)
		case LevelWarn:
			p.Logger.Warn(msg, "topic", topic)
		default:
			p.Logger.Info(msg, "topic", topic)
		}
	}
	if p.Store != nil {
		id, err := p.Store.AddAdminEvent(ctx, model.AdminEvent{Topic: topic, Level: string(level), Message: msg, CreatedAt: e.Time})
		if err != nil {
			if p.Logger != nil {
				p.Logger.Error("store admin event", "topic", topic, "err", err)
			}
		} else {
			e.ID = id
		}
	}
	if p.Hub != nil {
		p.Hub.Broadcast(e)
	}
}
