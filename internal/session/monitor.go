// Package session tracks the messaging session's lifecycle from the events
// the Messenger emits.
package session

import (
	"log/slog"
	"sync"
	"time"

	"wagate/internal/domain"
)

// State is the monitor's view of the session.
type State string

const (
	StateStarting      State = "starting"
	StateQR            State = "qr"
	StateAuthenticated State = "authenticated"
	StateReady         State = "ready"
	StateDisconnected  State = "disconnected"
	StateStopped       State = "stopped"
)

// Record is one observed event with the time it arrived.
type Record struct {
	domain.SessionEvent
	At time.Time
}

// Listener is notified after the monitor has applied an event.
type Listener func(domain.SessionEvent)

// Monitor consumes session events, logs them, and exposes the current state.
// Its Handle method is meant to be passed as the Messenger's event handler.
type Monitor struct {
	mu         sync.RWMutex
	state      State
	since      time.Time
	history    []Record
	maxHistory int
	listeners  []Listener
	logger     *slog.Logger
}

// NewMonitor returns a monitor in the starting state.
func NewMonitor(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		state:      StateStarting,
		since:      time.Now(),
		maxHistory: 100,
		logger:     logger,
	}
}

// OnChange registers a listener called synchronously for every event.
func (m *Monitor) OnChange(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Handle applies ev. Unknown event types are logged and ignored.
func (m *Monitor) Handle(ev domain.SessionEvent) {
	next, ok := stateFor(ev.Type)
	if !ok {
		m.logger.Warn("unknown session event", "type", ev.Type)
		return
	}

	switch ev.Type {
	case domain.SessionQR:
		if ev.ImagePath != "" {
			m.logger.Info("scan the QR code with WhatsApp to link this gateway", "qr", ev.QR, "image", ev.ImagePath)
		} else {
			m.logger.Info("scan the QR code with WhatsApp to link this gateway", "qr", ev.QR)
		}
	case domain.SessionAuthenticated:
		m.logger.Info("whatsapp session authenticated")
	case domain.SessionReady:
		m.logger.Info("whatsapp client is ready")
	case domain.SessionDisconnected:
		m.logger.Warn("whatsapp client disconnected", "reason", ev.Reason)
	}

	m.mu.Lock()
	if m.state == StateStopped {
		m.mu.Unlock()
		return
	}
	m.state = next
	m.since = time.Now()
	if len(m.history) >= m.maxHistory {
		m.history = m.history[1:]
	}
	m.history = append(m.history, Record{SessionEvent: ev, At: m.since})
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	for _, l := range listeners {
		m.notify(l, ev)
	}
}

func (m *Monitor) notify(l Listener, ev domain.SessionEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("session listener panic", "event", ev.Type, "panic", r)
		}
	}()
	l(ev)
}

// MarkStopped records that the session was torn down. Later events are ignored.
func (m *Monitor) MarkStopped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateStopped
	m.since = time.Now()
}

// State returns the current state and when it was entered.
func (m *Monitor) State() (State, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, m.since
}

// Ready reports whether the session can send.
func (m *Monitor) Ready() bool {
	s, _ := m.State()
	return s == StateReady
}

// History returns the recorded events since t, oldest first.
func (m *Monitor) History(since time.Time) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, r := range m.history {
		if !r.At.Before(since) {
			out = append(out, r)
		}
	}
	return out
}

func stateFor(t domain.SessionEventType) (State, bool) {
	switch t {
	case domain.SessionQR:
		return StateQR, true
	case domain.SessionAuthenticated:
		return StateAuthenticated, true
	case domain.SessionReady:
		return StateReady, true
	case domain.SessionDisconnected:
		return StateDisconnected, true
	}
	return "", false
}
