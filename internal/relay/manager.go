// ABOUTME: Relay manager: registers protocol implementations and activates exactly one by name.
// ABOUTME: The selection is immutable for the process lifetime; changing protocol requires a restart.

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrUnknownProtocol indicates the configured protocol name has no
// registered implementation. Fatal at startup.
var ErrUnknownProtocol = errors.New("unknown relay protocol")

// Manager holds the registered relay protocols and exposes one unified send
// API over whichever implementation the configuration selected.
type Manager struct {
	protocols   map[string]Protocol
	sendTimeout time.Duration
	logger      *slog.Logger

	mu     sync.RWMutex
	active Protocol
}

// NewManager creates a manager with no active protocol. Register the
// available implementations, then call Activate with the configured name.
func NewManager(sendTimeout time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		protocols:   make(map[string]Protocol),
		sendTimeout: sendTimeout,
		logger:      logger.With("component", "relay"),
	}
}

// Register adds a protocol implementation under its name. Registration
// happens during startup wiring, before Activate.
func (m *Manager) Register(p Protocol) {
	m.protocols[p.Name()] = p
}

// Activate selects and initializes the protocol with the given name.
// An unknown name fails fast so a misconfigured instance never starts serving.
func (m *Manager) Activate(ctx context.Context, name string) error {
	p, ok := m.protocols[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProtocol, name)
	}

	if err := p.Init(ctx); err != nil {
		return fmt.Errorf("initializing relay protocol %q: %w", name, err)
	}

	m.mu.Lock()
	m.active = p
	m.mu.Unlock()

	m.logger.Info("relay protocol active", "protocol", name)
	return nil
}

// Send relays a notice to the target instance through the active protocol.
// A manager with no active protocol returns CodePoolUnavailable rather than
// an error, so callers handle every relay failure the same way.
func (m *Manager) Send(ctx context.Context, targetAddr string, notice *Notice) SendResult {
	m.mu.RLock()
	active := m.active
	m.mu.RUnlock()

	if active == nil {
		return SendResult{Code: CodePoolUnavailable}
	}
	if !active.SupportsTarget(targetAddr) {
		return SendResult{Code: CodeUnsupportedTarget}
	}

	ctx, cancel := context.WithTimeout(ctx, m.sendTimeout)
	defer cancel()

	result := active.Send(ctx, targetAddr, notice)
	if !result.OK() {
		m.logger.Warn("relay send failed",
			"protocol", active.Name(),
			"target", targetAddr,
			"result", result.String(),
			"conversation_id", notice.ConversationID,
		)
	}
	return result
}

// Healthy reports whether the active protocol can currently send.
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.active != nil && m.active.Healthy()
}

// ActiveName returns the name of the active protocol, or "" before Activate.
func (m *Manager) ActiveName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.active == nil {
		return ""
	}
	return m.active.Name()
}

// Shutdown stops the active protocol.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	active := m.active
	m.active = nil
	m.mu.Unlock()

	if active == nil {
		return
	}
	if err := active.Shutdown(ctx); err != nil {
		m.logger.Warn("relay protocol shutdown failed", "protocol", active.Name(), "error", err)
	}
}
