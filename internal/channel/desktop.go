package channel

import (
	"context"
	"fmt"
	"log"

	"github.com/gen2brain/beeep"

	"github.com/driftwatch/driftwatch/internal/bus"
	"github.com/driftwatch/driftwatch/internal/config"
)

const desktopChannelName = "desktop"

// notifier is swapped out in tests; real sends go through beeep.
type notifier interface {
	Beep(freq float64, duration int) error
	Notify(title, message string) error
}

type beeepNotifier struct{}

func (beeepNotifier) Beep(freq float64, duration int) error {
	return beeep.Beep(freq, duration)
}

func (beeepNotifier) Notify(title, message string) error {
	return beeep.Notify(title, message, "")
}

// DesktopChannel plays a short tone and raises an OS notification. It is the
// default channel and needs no credentials.
type DesktopChannel struct {
	BaseChannel
	notifier notifier
}

func NewDesktopChannel(cfg config.DesktopConfig, b *bus.Bus) *DesktopChannel {
	return &DesktopChannel{
		BaseChannel: NewBaseChannel(desktopChannelName, b, nil),
		notifier:    beeepNotifier{},
	}
}

func (d *DesktopChannel) Start(ctx context.Context) error {
	return nil
}

func (d *DesktopChannel) Send(e bus.Escalation) error {
	if err := d.notifier.Beep(880, 400); err != nil {
		// Audio is best effort; the notification still carries the message.
		log.Printf("[desktop] beep failed: %v", err)
	}
	if err := d.notifier.Notify("driftwatch", e.Message); err != nil {
		return fmt.Errorf("desktop notify: %w", err)
	}
	return nil
}

func (d *DesktopChannel) Stop() error {
	return nil
}
