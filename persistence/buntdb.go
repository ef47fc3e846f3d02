package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/tcriess/lightspeed-session/config"
	"github.com/tcriess/lightspeed-session/globals"
	"github.com/tcriess/lightspeed-session/types"
	"github.com/tidwall/buntdb"
)

const (
	sessionKeyPrefix = "session:"
	messageKeyPrefix = "message:"
)

// BuntDBPersist keeps sessions (including member lists and chat history references) as JSON documents. buntdb
// runs all Update transactions under a single writer lock, so every read-modify-write inside one Update callback is
// atomic with respect to concurrent writers.
type BuntDBPersist struct {
	db *buntdb.DB
}

func NewBuntPersister(cfg *config.Config) (Persister, error) {
	db, err := setupBuntDB(cfg.PersistenceConfig.DSN)
	if err != nil {
		return nil, err
	}
	return &BuntDBPersist{db}, nil
}

func setupBuntDB(fileName string) (*buntdb.DB, error) {
	db, err := buntdb.Open(fileName)
	if err != nil {
		return nil, err
	}
	err = db.CreateIndex("sessionstatus", sessionKeyPrefix+"*", buntdb.IndexJSON("status"))
	if err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func mapBuntError(err error) error {
	if errors.Is(err, buntdb.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

func getSession(tx *buntdb.Tx, sessionId string) (*types.Session, error) {
	raw, err := tx.Get(sessionKeyPrefix + sessionId)
	if err != nil {
		return nil, mapBuntError(err)
	}
	session := &types.Session{}
	err = json.Unmarshal([]byte(raw), session)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func setSession(tx *buntdb.Tx, session *types.Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return err
	}
	_, _, err = tx.Set(sessionKeyPrefix+session.Id, string(raw), nil)
	return err
}

func (p *BuntDBPersist) StoreSession(_ context.Context, session *types.Session) error {
	if err := prepareSession(session); err != nil {
		return err
	}
	return p.db.Update(func(tx *buntdb.Tx) error {
		old, err := getSession(tx, session.Id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		stored := *session
		stored.ChatHistory = make([]string, 0)
		if old != nil {
			if old.Status == types.StatusEnded && session.Status != types.StatusEnded {
				return ErrReactivate
			}
			stored.ChatHistory = old.ChatHistory
		}
		return setSession(tx, &stored)
	})
}

func (p *BuntDBPersist) GetSession(_ context.Context, sessionId string) (*types.Session, error) {
	var session *types.Session
	err := p.db.View(func(tx *buntdb.Tx) error {
		var err error
		session, err = getSession(tx, sessionId)
		return err
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (p *BuntDBPersist) GetSessions(_ context.Context) ([]*types.Session, error) {
	sessions := make([]*types.Session, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		var decodeErr error
		err := tx.AscendKeys(sessionKeyPrefix+"*", func(key, val string) bool {
			session := &types.Session{}
			if decodeErr = json.Unmarshal([]byte(val), session); decodeErr != nil {
				return false
			}
			sessions = append(sessions, session)
			return true
		})
		if err != nil {
			return err
		}
		return decodeErr
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (p *BuntDBPersist) GetActiveSessions(_ context.Context) ([]*types.Session, error) {
	sessions := make([]*types.Session, 0)
	cond := `{"status":"` + string(types.StatusActive) + `"}`
	err := p.db.View(func(tx *buntdb.Tx) error {
		var decodeErr error
		err := tx.AscendEqual("sessionstatus", cond, func(key, val string) bool {
			session := &types.Session{}
			if decodeErr = json.Unmarshal([]byte(val), session); decodeErr != nil {
				return false
			}
			sessions = append(sessions, session)
			return true
		})
		if err != nil {
			return err
		}
		return decodeErr
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (p *BuntDBPersist) DeleteSession(_ context.Context, sessionId string) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		session, err := getSession(tx, sessionId)
		if err != nil {
			return err
		}
		for _, messageId := range session.ChatHistory {
			_, err := tx.Delete(messageKeyPrefix + messageId)
			if err != nil && !errors.Is(err, buntdb.ErrNotFound) {
				return err
			}
		}
		_, err = tx.Delete(sessionKeyPrefix + sessionId)
		return err
	})
}

func (p *BuntDBPersist) RemoveParticipant(_ context.Context, sessionId, userId string) (bool, error) {
	removed := false
	err := p.db.Update(func(tx *buntdb.Tx) error {
		session, err := getSession(tx, sessionId)
		if err != nil {
			return err
		}
		participants := session.Participants[:0]
		for _, id := range session.Participants {
			if id == userId {
				removed = true
				continue
			}
			participants = append(participants, id)
		}
		if !removed {
			return nil
		}
		session.Participants = participants
		return setSession(tx, session)
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

func (p *BuntDBPersist) EndSession(_ context.Context, sessionId string) (bool, error) {
	changed := false
	err := p.db.Update(func(tx *buntdb.Tx) error {
		session, err := getSession(tx, sessionId)
		if err != nil {
			return err
		}
		if session.Status != types.StatusActive {
			return nil
		}
		session.Status = types.StatusEnded
		changed = true
		return setSession(tx, session)
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

func (p *BuntDBPersist) StoreMessage(_ context.Context, message *types.Message) error {
	raw, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *buntdb.Tx) error {
		session, err := getSession(tx, message.SessionId)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(messageKeyPrefix+message.Id, string(raw), nil)
		if err != nil {
			return err
		}
		session.ChatHistory = append(session.ChatHistory, message.Id)
		return setSession(tx, session)
	})
}

func (p *BuntDBPersist) AppendChatReference(_ context.Context, sessionId, messageId string) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		session, err := getSession(tx, sessionId)
		if err != nil {
			return err
		}
		session.ChatHistory = append(session.ChatHistory, messageId)
		return setSession(tx, session)
	})
}

func (p *BuntDBPersist) GetChatHistory(_ context.Context, sessionId string, fromIdx, maxCount int) ([]*types.Message, error) {
	messages := make([]*types.Message, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		session, err := getSession(tx, sessionId)
		if err != nil {
			return err
		}
		for _, messageId := range page(session.ChatHistory, fromIdx, maxCount) {
			raw, err := tx.Get(messageKeyPrefix + messageId)
			if errors.Is(err, buntdb.ErrNotFound) {
				globals.AppLogger.Warn("dangling chat history reference", "session", sessionId, "message", messageId)
				continue
			}
			if err != nil {
				return err
			}
			message := &types.Message{}
			if err := json.NewDecoder(strings.NewReader(raw)).Decode(message); err != nil {
				return err
			}
			messages = append(messages, message)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (p *BuntDBPersist) Close() error {
	return p.db.Close()
}
