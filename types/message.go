package types

import (
	"fmt"
	"time"

	"github.com/mitchellh/hashstructure/v2"
)

// Message is one accepted chat message of a session. Messages are never mutated or deleted.
type Message struct {
	Id        string    `json:"id" gorm:"primaryKey"`
	SessionId string    `json:"session_id" gorm:"index"`
	UserId    string    `json:"user_id"`
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// CreateId sets the message id to a hash over the message contents (including the timestamp).
func (m *Message) CreateId() error {
	hash, err := hashstructure.Hash(struct {
		SessionId string
		UserId    string
		Text      string
		Timestamp int64
	}{m.SessionId, m.UserId, m.Text, m.Timestamp.UnixNano()}, hashstructure.FormatV2, nil)
	if err != nil {
		return err
	}
	m.Id = fmt.Sprintf("%016x", hash)
	return nil
}
