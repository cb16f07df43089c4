// Package session tracks conversations and serializes turns through a
// single request gate. One browser drives everything, so at most one
// prompt/answer exchange runs at a time regardless of how many
// conversations exist.
package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"ghostgpt-server/internal/driver"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

type conversation struct {
	id         string
	drv        *driver.Driver
	lastActive time.Time
	turns      int
	busy       bool
}

// ConversationInfo is a read-only snapshot for listings.
type ConversationInfo struct {
	ID         string    `json:"id"`
	Turns      int       `json:"turns"`
	LastActive time.Time `json:"last_active"`
}

// Manager owns the conversation registry and the request gate.
type Manager struct {
	newDriver func() *driver.Driver
	idle      time.Duration
	// baseCtx outlives any single request: a turn in flight runs to its
	// terminal state even when the requesting client disconnects, so the
	// tab is never left mid-generation.
	baseCtx context.Context
	log     *log.Logger

	mu    sync.Mutex
	convs map[string]*conversation
	// discovery holds the tab used for listing and searching variants.
	// It lives outside the registry so the idle sweep never claims it.
	discovery *driver.Driver

	// gate admits one turn at a time across all conversations.
	gate chan struct{}
}

func NewManager(baseCtx context.Context, newDriver func() *driver.Driver, idle time.Duration, logger *log.Logger) *Manager {
	return &Manager{
		newDriver: newDriver,
		idle:      idle,
		baseCtx:   baseCtx,
		log:       logger,
		convs:     make(map[string]*conversation),
		gate:      make(chan struct{}, 1),
	}
}

func (m *Manager) acquire(ctx context.Context) error {
	select {
	case m.gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) release() {
	<-m.gate
}

// resolve returns the conversation for id, creating one when the id is
// unknown or empty. The bool reports whether it already existed.
func (m *Manager) resolve(id string) (*conversation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id != "" {
		if conv, ok := m.convs[id]; ok {
			// Refresh the idle clock now, not when the turn starts: the
			// request may queue at the gate, and a Sweep in the meantime
			// must not evict a conversation with a turn pending.
			conv.lastActive = time.Now()
			return conv, true
		}
	}
	if id == "" {
		id = "conv-" + shortID()
	}
	conv := &conversation{
		id:         id,
		drv:        m.newDriver(),
		lastActive: time.Now(),
	}
	m.convs[id] = conv
	m.log.Info("conversation created", "id", id, "total", len(m.convs))
	return conv, false
}

func (m *Manager) setBusy(conv *conversation, busy bool) {
	m.mu.Lock()
	conv.busy = busy
	conv.lastActive = time.Now()
	conv.turns = conv.drv.Turns()
	m.mu.Unlock()
}

// Ask runs one blocking turn on the named conversation. An empty id
// starts a fresh conversation; the returned id identifies it either way.
func (m *Manager) Ask(ctx context.Context, convID, prompt, variantID string) (driver.Answer, string, error) {
	m.Sweep(time.Now())

	conv, existed := m.resolve(convID)
	if err := m.acquire(ctx); err != nil {
		return driver.Answer{}, conv.id, err
	}
	defer m.release()

	m.setBusy(conv, true)
	defer m.setBusy(conv, false)

	// The turn runs on the base context: once submitted, it must reach a
	// terminal state even if the requester goes away.
	answer, err := conv.drv.Ask(m.baseCtx, prompt, variantID, existed)
	if err != nil {
		return driver.Answer{}, conv.id, fmt.Errorf("conversation %s: %w", conv.id, err)
	}
	return answer, conv.id, nil
}

// Stream runs one turn and relays its deltas. The returned channel closes
// when the answer finishes; if the requester's ctx ends first, the relay
// keeps draining the driver so the turn still completes and the gate is
// released at its true end.
func (m *Manager) Stream(ctx context.Context, convID, prompt, variantID string) (<-chan driver.DeltaEvent, string, error) {
	m.Sweep(time.Now())

	conv, existed := m.resolve(convID)
	if err := m.acquire(ctx); err != nil {
		return nil, conv.id, err
	}

	m.setBusy(conv, true)

	src, err := conv.drv.Stream(m.baseCtx, prompt, variantID, existed)
	if err != nil {
		m.setBusy(conv, false)
		m.release()
		return nil, conv.id, fmt.Errorf("conversation %s: %w", conv.id, err)
	}

	out := make(chan driver.DeltaEvent)
	go func() {
		defer func() {
			m.setBusy(conv, false)
			m.release()
		}()
		defer close(out)

		forward := true
		for ev := range src {
			if !forward {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				m.log.Warn("stream client gone, draining to completion", "id", conv.id)
				forward = false
			}
		}
	}()
	return out, conv.id, nil
}

// Sweep evicts conversations idle past the window. Busy conversations are
// never evicted: a turn in flight always outranks the idle clock.
func (m *Manager) Sweep(now time.Time) {
	if m.idle <= 0 {
		return
	}

	m.mu.Lock()
	var expired []*conversation
	for id, conv := range m.convs {
		if conv.busy {
			continue
		}
		if now.Sub(conv.lastActive) > m.idle {
			expired = append(expired, conv)
			delete(m.convs, id)
		}
	}
	m.mu.Unlock()

	for _, conv := range expired {
		m.log.Info("evicting idle conversation", "id", conv.id, "idle", now.Sub(conv.lastActive).String())
		go func(drv *driver.Driver) {
			if err := drv.Close(); err != nil {
				m.log.Warn("close evicted conversation", "error", err)
			}
		}(conv.drv)
	}
}

func (m *Manager) discoveryDriver() *driver.Driver {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.discovery == nil {
		m.discovery = m.newDriver()
	}
	return m.discovery
}

// ListGPTs enumerates the account's variants. Runs under the gate since
// it shares the one browser with conversation turns.
func (m *Manager) ListGPTs(ctx context.Context) ([]driver.GPT, error) {
	if err := m.acquire(ctx); err != nil {
		return nil, err
	}
	defer m.release()
	return m.discoveryDriver().ListGPTs(m.baseCtx)
}

// SearchGPTs queries the public variant store.
func (m *Manager) SearchGPTs(ctx context.Context, query string, limit int) ([]driver.GPT, error) {
	if err := m.acquire(ctx); err != nil {
		return nil, err
	}
	defer m.release()
	return m.discoveryDriver().SearchGPTs(m.baseCtx, query, limit)
}

// Touch refreshes a conversation's idle clock.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conv, ok := m.convs[id]; ok {
		conv.lastActive = time.Now()
	}
}

// Close ends the named conversation and releases its tab.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	conv, ok := m.convs[id]
	if ok {
		delete(m.convs, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown conversation %q", id)
	}
	return conv.drv.Close()
}

// List snapshots all live conversations, most recently active first.
func (m *Manager) List() []ConversationInfo {
	m.mu.Lock()
	out := make([]ConversationInfo, 0, len(m.convs))
	for _, conv := range m.convs {
		out = append(out, ConversationInfo{
			ID:         conv.id,
			Turns:      conv.turns,
			LastActive: conv.lastActive,
		})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActive.After(out[j].LastActive)
	})
	return out
}

// Shutdown closes every conversation.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	convs := make([]*conversation, 0, len(m.convs))
	for _, conv := range m.convs {
		convs = append(convs, conv)
	}
	m.convs = make(map[string]*conversation)
	discovery := m.discovery
	m.discovery = nil
	m.mu.Unlock()

	if discovery != nil {
		_ = discovery.Close()
	}

	for _, conv := range convs {
		if err := conv.drv.Close(); err != nil {
			m.log.Warn("close conversation on shutdown", "id", conv.id, "error", err)
		}
	}
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
