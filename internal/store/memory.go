package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// Memory is a thread-safe in-memory Store for tests and single-process
// embedding.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	messages map[string]*models.Message
	parts    map[string]*models.MessagePart

	// msgOrder preserves per-session insertion order.
	msgOrder map[string][]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*models.Session),
		messages: make(map[string]*models.Message),
		parts:    make(map[string]*models.MessagePart),
		msgOrder: make(map[string][]string),
	}
}

func (m *Memory) CreateSession(ctx context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.ID]; ok {
		return ErrAlreadyExists
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	session.UpdatedAt = session.CreatedAt
	cp := *session
	m.sessions[session.ID] = &cp
	return nil
}

func (m *Memory) GetSession(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *Memory) UpdateSession(ctx context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.ID]; !ok {
		return ErrNotFound
	}
	session.UpdatedAt = time.Now()
	cp := *session
	m.sessions[session.ID] = &cp
	return nil
}

func (m *Memory) CreateMessage(ctx context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[msg.ID]; ok {
		return ErrAlreadyExists
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	cp := *msg
	m.messages[msg.ID] = &cp
	m.msgOrder[msg.SessionID] = append(m.msgOrder[msg.SessionID], msg.ID)
	return nil
}

func (m *Memory) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

func (m *Memory) UpdateMessage(ctx context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[msg.ID]; !ok {
		return ErrNotFound
	}
	cp := *msg
	m.messages[msg.ID] = &cp
	return nil
}

func (m *Memory) ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Message, 0, len(m.msgOrder[sessionID]))
	for _, id := range m.msgOrder[sessionID] {
		if msg, ok := m.messages[id]; ok {
			cp := *msg
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Memory) CreatePart(ctx context.Context, part *models.MessagePart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.parts[part.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *part
	m.parts[part.ID] = &cp
	return nil
}

func (m *Memory) GetPart(ctx context.Context, id string) (*models.MessagePart, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.parts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *Memory) UpdatePart(ctx context.Context, part *models.MessagePart) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.parts[part.ID]; !ok {
		return ErrNotFound
	}
	cp := *part
	m.parts[part.ID] = &cp
	return nil
}

func (m *Memory) DeletePart(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.parts[id]; !ok {
		return ErrNotFound
	}
	delete(m.parts, id)
	return nil
}

func (m *Memory) ListParts(ctx context.Context, messageID string) ([]*models.MessagePart, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.MessagePart
	for _, p := range m.parts {
		if p.MessageID == messageID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (m *Memory) MaxPartIndex(ctx context.Context, messageID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	max := -1
	for _, p := range m.parts {
		if p.MessageID == messageID && p.Index > max {
			max = p.Index
		}
	}
	return max, nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error { return nil }
