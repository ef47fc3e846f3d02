package types

import (
	"errors"
	"time"
)

type Role string

const (
	RoleModerator   Role = "moderator"
	RoleParticipant Role = "participant"
	RoleEvaluator   Role = "evaluator"
	RoleAI          Role = "ai"
)

func (r Role) Valid() bool {
	switch r {
	case RoleModerator, RoleParticipant, RoleEvaluator:
		return true
	}
	return false
}

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNoSessionId    = errors.New("no session id")
	ErrNoModerator    = errors.New("no moderator")
	ErrInvalidStatus  = errors.New("invalid status")
	ErrInvalidAIUsage = errors.New("ai practice sessions have exactly one participant and no evaluators")
)

// Session is the persisted record of one scheduled, time-boxed live session. It is created outside the gateway;
// the gateway only removes participants and ends it.
type Session struct {
	Id           string    `json:"id"`
	Topic        string    `json:"topic"`
	ModeratorId  string    `json:"moderator_id"`
	Participants []string  `json:"participants"`
	Evaluators   []string  `json:"evaluators"`
	StartTime    time.Time `json:"start_time"`
	Duration     int       `json:"duration"` // minutes
	Status       Status    `json:"status"`
	ChatHistory  []string  `json:"chat_history"` // message ids, oldest first
	AIPractice   bool      `json:"ai_practice"`
}

// IsMember reports whether userId is the moderator, a participant or an evaluator of the session.
func (s *Session) IsMember(userId string) bool {
	if userId == "" {
		return false
	}
	if s.ModeratorId == userId {
		return true
	}
	return s.IsParticipant(userId) || s.IsEvaluator(userId)
}

func (s *Session) IsParticipant(userId string) bool {
	return contains(s.Participants, userId)
}

func (s *Session) IsEvaluator(userId string) bool {
	return contains(s.Evaluators, userId)
}

func (s *Session) IsActive() bool {
	return s.Status == StatusActive
}

// EndTime is the point in time at which the session is over, regardless of its status.
func (s *Session) EndTime() time.Time {
	return s.StartTime.Add(time.Duration(s.Duration) * time.Minute)
}

// Normalize removes duplicate and empty ids from the member lists, keeping the first occurrence, and defaults the
// status to active.
func (s *Session) Normalize() {
	s.Participants = removeDuplicates(s.Participants)
	s.Evaluators = removeDuplicates(s.Evaluators)
	if s.Status == "" {
		s.Status = StatusActive
	}
}

func (s *Session) Validate() error {
	if s.Id == "" {
		return ErrNoSessionId
	}
	if s.ModeratorId == "" {
		return ErrNoModerator
	}
	if s.Status != StatusActive && s.Status != StatusEnded {
		return ErrInvalidStatus
	}
	if s.AIPractice && (len(s.Evaluators) != 0 || len(s.Participants) != 1) {
		return ErrInvalidAIUsage
	}
	return nil
}

func contains(ids []string, id string) bool {
	for _, i := range ids {
		if i == id {
			return true
		}
	}
	return false
}

func removeDuplicates(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	return unique
}
