package persistence

import (
	"context"
	"errors"
	"fmt"

	"github.com/tcriess/lightspeed-session/config"
	"github.com/tcriess/lightspeed-session/types"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidSession = errors.New("invalid session")
	ErrReactivate     = fmt.Errorf("%w: an ended session cannot be reactivated", ErrInvalidSession)
)

// Persister is the durable session store. Unknown session ids result in ErrNotFound.
//
// RemoveParticipant and EndSession are single conditional updates in the backend, never read-modify-write cycles
// on a snapshot held by the caller. StoreMessage persists the message and appends its id to the session's chat
// history atomically.
type Persister interface {
	StoreSession(context.Context, *types.Session) error
	GetSession(context.Context, string) (*types.Session, error)
	GetSessions(context.Context) ([]*types.Session, error)
	GetActiveSessions(context.Context) ([]*types.Session, error)
	DeleteSession(context.Context, string) error
	RemoveParticipant(ctx context.Context, sessionId, userId string) (bool, error)
	EndSession(context.Context, string) (bool, error)
	StoreMessage(context.Context, *types.Message) error
	AppendChatReference(ctx context.Context, sessionId, messageId string) error
	GetChatHistory(ctx context.Context, sessionId string, fromIdx, maxCount int) ([]*types.Message, error)
	Close() error
}

// NewPersister creates the persister configured in cfg.PersistenceConfig.
func NewPersister(cfg *config.Config) (Persister, error) {
	switch cfg.PersistenceConfig.Type {
	case config.PersistenceTypeSQLite, config.PersistenceTypePostgres:
		return NewGormPersister(cfg)
	case config.PersistenceTypeBuntDB:
		return NewBuntPersister(cfg)
	}
	return nil, fmt.Errorf("invalid persistence type %q", cfg.PersistenceConfig.Type)
}

func prepareSession(session *types.Session) error {
	session.Normalize()
	if err := session.Validate(); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidSession, err)
	}
	return nil
}

// page returns the window [fromIdx, fromIdx+maxCount) of ids, maxCount <= 0 meaning "all".
func page(ids []string, fromIdx, maxCount int) []string {
	if fromIdx < 0 {
		fromIdx = 0
	}
	if fromIdx >= len(ids) {
		return nil
	}
	ids = ids[fromIdx:]
	if maxCount > 0 && maxCount < len(ids) {
		ids = ids[:maxCount]
	}
	return ids
}
