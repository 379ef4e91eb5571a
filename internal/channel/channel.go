// Package channel delivers escalations over the configured transports.
package channel

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/driftwatch/driftwatch/internal/bus"
	"github.com/driftwatch/driftwatch/internal/config"
	"github.com/driftwatch/driftwatch/internal/convo"
)

// Channel is one delivery transport for escalations.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Send(e bus.Escalation) error
	Stop() error
}

type BaseChannel struct {
	name      string
	bus       *bus.Bus
	allowFrom []string
}

func NewBaseChannel(name string, b *bus.Bus, allowFrom []string) BaseChannel {
	return BaseChannel{name: name, bus: b, allowFrom: allowFrom}
}

func (b *BaseChannel) Name() string {
	return b.name
}

// IsAllowed reports whether a sender id passes the allow-list. An empty list
// allows everyone.
func (b *BaseChannel) IsAllowed(senderID string) bool {
	if len(b.allowFrom) == 0 {
		return true
	}
	for _, id := range b.allowFrom {
		if id == senderID {
			return true
		}
	}
	return false
}

type Manager struct {
	channels map[string]Channel
	bus      *bus.Bus
}

// NewManager builds the enabled channels and subscribes each to the bus. The
// desktop channel never fails construction; telegram and voice validate their
// credentials up front.
func NewManager(cfg *config.Config, b *bus.Bus, store *convo.Store) (*Manager, error) {
	m := &Manager{
		channels: make(map[string]Channel),
		bus:      b,
	}

	if cfg.Channels.Desktop.Enabled {
		m.add(NewDesktopChannel(cfg.Channels.Desktop, b))
	}

	if cfg.Channels.Telegram.Enabled {
		ch, err := NewTelegramChannel(cfg.Channels.Telegram, b, store)
		if err != nil {
			return nil, fmt.Errorf("init telegram channel: %w", err)
		}
		m.add(ch)
	}

	if cfg.Channels.Voice.Enabled {
		ch, err := NewVoiceChannel(cfg.Channels.Voice, b, store)
		if err != nil {
			return nil, fmt.Errorf("init voice channel: %w", err)
		}
		m.add(ch)
	}

	return m, nil
}

func (m *Manager) add(ch Channel) {
	m.channels[ch.Name()] = ch
	m.bus.Subscribe(ch.Name(), func(e bus.Escalation) {
		if err := ch.Send(e); err != nil {
			log.Printf("[channel-mgr] send to %s failed: %v", ch.Name(), err)
		}
	})
}

func (m *Manager) StartAll(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(m.channels))

	for name, ch := range m.channels {
		wg.Add(1)
		go func(name string, ch Channel) {
			defer wg.Done()
			log.Printf("[channel-mgr] starting %s", name)
			if err := ch.Start(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}(name, ch)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

func (m *Manager) StopAll() error {
	for name, ch := range m.channels {
		log.Printf("[channel-mgr] stopping %s", name)
		if err := ch.Stop(); err != nil {
			log.Printf("[channel-mgr] error stopping %s: %v", name, err)
		}
	}
	return nil
}

func (m *Manager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}
