// Package channels defines the messaging transport contract. The core
// sends text through a Channel and receives inbound events; adapters
// own all wire framing. The manager fans inbound events from every
// registered adapter into one handler.
package channels

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MessageType classifies inbound events.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeMedia MessageType = "media"
	TypeOther MessageType = "other"
)

// Inbound is one received message.
type Inbound struct {
	From string      `json:"from"` // correspondent id (JID, phone, "cli")
	Body string      `json:"body"`
	At   time.Time   `json:"ts"`
	Type MessageType `json:"type"`
}

// Channel is the adapter contract.
type Channel interface {
	// Name identifies the transport ("whatsapp", "cli").
	Name() string
	// Start connects the transport; inbound events go to the handler
	// registered with the manager before Start.
	Start(ctx context.Context) error
	// Send delivers text to the peer. An empty tag is plain chat; tags
	// like "cron" or "workflow" let adapters style system traffic.
	Send(peer, text, tag string) error
	// SendFile transfers a workspace file to the peer.
	SendFile(peer, path string) error
	// Stop disconnects.
	Stop()
}

// Handler consumes inbound messages.
type Handler func(channel string, msg Inbound)

// Manager multiplexes adapters.
type Manager struct {
	logger *slog.Logger

	mu       sync.Mutex
	channels map[string]Channel
	handler  Handler
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger.With("component", "channels"),
		channels: make(map[string]Channel),
	}
}

// Register adds an adapter before Start.
func (m *Manager) Register(c Channel) {
	m.mu.Lock()
	m.channels[c.Name()] = c
	m.mu.Unlock()
}

// OnInbound installs the inbound handler.
func (m *Manager) OnInbound(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// Dispatch is called by adapters to deliver an inbound message.
func (m *Manager) Dispatch(channel string, msg Inbound) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h == nil {
		m.logger.Warn("inbound dropped, no handler", "channel", channel)
		return
	}
	h(channel, msg)
}

// Start connects every adapter; the first failure aborts.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	list := make([]Channel, 0, len(m.channels))
	for _, c := range m.channels {
		list = append(list, c)
	}
	m.mu.Unlock()

	for _, c := range list {
		if err := c.Start(ctx); err != nil {
			return err
		}
		m.logger.Info("channel started", "name", c.Name())
	}
	return nil
}

// Send routes outbound text to the named adapter.
func (m *Manager) Send(channel, peer, text, tag string) error {
	c, err := m.get(channel)
	if err != nil {
		return err
	}
	return c.Send(peer, text, tag)
}

// SendFile routes a file transfer to the named adapter.
func (m *Manager) SendFile(channel, peer, path string) error {
	c, err := m.get(channel)
	if err != nil {
		return err
	}
	return c.SendFile(peer, path)
}

// Stop disconnects every adapter.
func (m *Manager) Stop() {
	m.mu.Lock()
	list := make([]Channel, 0, len(m.channels))
	for _, c := range m.channels {
		list = append(list, c)
	}
	m.mu.Unlock()
	for _, c := range list {
		c.Stop()
	}
}

func (m *Manager) get(channel string) (Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.channels[channel]
	if !ok {
		return nil, errUnknownChannel(channel)
	}
	return c, nil
}

type errUnknownChannel string

func (e errUnknownChannel) Error() string { return "unknown channel: " + string(e) }
