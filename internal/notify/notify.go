// Package notify shows desktop notifications for session events.
package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/bryanchriswhite/multiboxer/internal/events"
	"github.com/bryanchriswhite/multiboxer/internal/logger"
	"github.com/bryanchriswhite/multiboxer/internal/session"
	"github.com/godbus/dbus/v5"
)

// Urgency is the freedesktop notification urgency level.
type Urgency byte

const (
	UrgencyLow Urgency = iota
	UrgencyNormal
	UrgencyCritical
)

// Notification is one desktop notification.
type Notification struct {
	Summary string
	Body    string
	Urgency Urgency
}

// Sender delivers notifications.
type Sender interface {
	Send(n Notification) error
}

const (
	notificationsName  = "org.freedesktop.Notifications"
	notificationsPath  = "/org/freedesktop/Notifications"
	notificationsIface = "org.freedesktop.Notifications.Notify"
)

// DesktopNotifier sends notifications over the D-Bus session bus.
type DesktopNotifier struct {
	conn    *dbus.Conn
	appName string
	// Expiry in milliseconds; -1 lets the server decide.
	expire int32
}

// NewDesktopNotifier connects to the session bus.
func NewDesktopNotifier(appName string) (*DesktopNotifier, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}
	return &DesktopNotifier{conn: conn, appName: appName, expire: -1}, nil
}

// Send shows n.
func (d *DesktopNotifier) Send(n Notification) error {
	obj := d.conn.Object(notificationsName, dbus.ObjectPath(notificationsPath))
	hints := map[string]dbus.Variant{
		"urgency": dbus.MakeVariant(byte(n.Urgency)),
	}
	call := obj.Call(notificationsIface, 0,
		d.appName, uint32(0), "", n.Summary, n.Body, []string{}, hints, d.expire)
	if call.Err != nil {
		return fmt.Errorf("notify: %w", call.Err)
	}
	return nil
}

// Close releases the bus connection.
func (d *DesktopNotifier) Close() error {
	return d.conn.Close()
}

// FromEvent builds the notification for ev. Only session ends and launch
// errors notify.
func FromEvent(ev events.Event) (Notification, bool) {
	s, ok := ev.Data.(session.Event)
	if !ok {
		return Notification{}, false
	}
	switch ev.Type {
	case events.SessionCrashed:
		body := fmt.Sprintf("Account %s crashed", s.AccountID)
		if s.Reason != "" {
			body += " (" + s.Reason + ")"
		}
		return Notification{Summary: "Game crashed", Body: body, Urgency: UrgencyCritical}, true
	case events.SessionClosed:
		return Notification{
			Summary: "Game closed",
			Body:    fmt.Sprintf("Account %s closed", s.AccountID),
			Urgency: UrgencyLow,
		}, true
	case events.SessionError:
		return Notification{
			Summary: "Launch failed",
			Body:    fmt.Sprintf("Account %s: %s", s.AccountID, s.Message),
			Urgency: UrgencyNormal,
		}, true
	}
	return Notification{}, false
}

// Forwarder relays bus events to a Sender.
type Forwarder struct {
	sender Sender
	bus    *events.Bus

	once sync.Once
}

// NewForwarder creates a forwarder.
func NewForwarder(sender Sender, bus *events.Bus) *Forwarder {
	return &Forwarder{sender: sender, bus: bus}
}

// Run forwards until ctx is done or the bus closes.
func (f *Forwarder) Run(ctx context.Context) {
	log := logger.WithComponent("notify")
	ch := f.bus.Subscribe()
	defer f.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			n, ok := FromEvent(ev)
			if !ok {
				continue
			}
			if err := f.sender.Send(n); err != nil {
				// Without a notification daemon every send fails the same way.
				f.once.Do(func() {
					log.Warn().Err(err).Msg("Desktop notifications unavailable")
				})
			}
		}
	}
}
