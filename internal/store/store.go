// Package store defines the durable persistence boundary for sessions,
// messages, and message parts, with SQLite and in-memory implementations.
package store

import (
	"context"
	"errors"

	"github.com/haasonsaas/relay/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// SessionStore persists sessions.
type SessionStore interface {
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSession(ctx context.Context, session *models.Session) error
}

// MessageStore persists messages.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	UpdateMessage(ctx context.Context, msg *models.Message) error

	// ListMessages returns a session's messages in creation order.
	ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error)
}

// PartStore persists message parts.
type PartStore interface {
	CreatePart(ctx context.Context, part *models.MessagePart) error

	GetPart(ctx context.Context, id string) (*models.MessagePart, error)

	// UpdatePart re-persists a part in full; used for delta accumulation and
	// compaction marking.
	UpdatePart(ctx context.Context, part *models.MessagePart) error

	// DeletePart removes a part, e.g. a reasoning block that closed empty.
	DeletePart(ctx context.Context, id string) error

	// ListParts returns a message's parts ordered by index.
	ListParts(ctx context.Context, messageID string) ([]*models.MessagePart, error)

	// MaxPartIndex returns the highest index persisted for a message, or -1
	// when the message has no parts.
	MaxPartIndex(ctx context.Context, messageID string) (int, error)
}

// Store groups the persistence interfaces the runtime depends on.
type Store interface {
	SessionStore
	MessageStore
	PartStore
	Close() error
}
