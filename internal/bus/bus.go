// Package bus decouples escalation producers from delivery channels with a
// buffered fan-out.
package bus

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Escalation is one alert headed for the delivery channels.
type Escalation struct {
	ID         string
	Reason     string
	Title      string
	Message    string
	OccurredAt time.Time
}

// NewEscalation stamps an id and timestamp on a fresh escalation.
func NewEscalation(reason, title, message string) Escalation {
	return Escalation{
		ID:         uuid.NewString(),
		Reason:     reason,
		Title:      title,
		Message:    message,
		OccurredAt: time.Now(),
	}
}

type Bus struct {
	outbound chan Escalation

	mu   sync.RWMutex
	subs map[string]func(Escalation)
}

func New(size int) *Bus {
	if size <= 0 {
		size = 16
	}
	return &Bus{
		outbound: make(chan Escalation, size),
		subs:     make(map[string]func(Escalation)),
	}
}

// Subscribe registers a named handler for dispatched escalations. A second
// subscription under the same name replaces the first.
func (b *Bus) Subscribe(name string, fn func(Escalation)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[name] = fn
}

func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, name)
}

// Publish enqueues without blocking. When the buffer is full the escalation is
// dropped with a log line; the capture loop must never stall on delivery.
func (b *Bus) Publish(e Escalation) {
	select {
	case b.outbound <- e:
	default:
		log.Printf("[bus] outbound full, dropping escalation %s (%s)", e.ID, e.Reason)
	}
}

// DispatchOutbound fans queued escalations out to every subscriber until the
// context is cancelled.
func (b *Bus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-b.outbound:
			b.mu.RLock()
			handlers := make([]func(Escalation), 0, len(b.subs))
			for _, fn := range b.subs {
				handlers = append(handlers, fn)
			}
			b.mu.RUnlock()

			for _, fn := range handlers {
				fn(e)
			}
		}
	}
}
