package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tcriess/lightspeed-session/config"
	"github.com/tcriess/lightspeed-session/types"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type sessionRow struct {
	Id          string `gorm:"primaryKey"`
	Topic       string
	ModeratorId string `gorm:"not null"`
	StartTime   time.Time
	Duration    int
	Status      string `gorm:"index;not null"`
	AIPractice  bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (sessionRow) TableName() string { return "sessions" }

// memberRow is one participant or evaluator of a session; the composite primary key keeps each identity at most
// once per list.
type memberRow struct {
	SessionId string `gorm:"primaryKey"`
	UserId    string `gorm:"primaryKey"`
	Role      string `gorm:"primaryKey"`
	Position  int
}

func (memberRow) TableName() string { return "session_members" }

type chatRefRow struct {
	Seq       uint64 `gorm:"primaryKey;autoIncrement"`
	SessionId string `gorm:"index;not null"`
	MessageId string `gorm:"not null"`
}

func (chatRefRow) TableName() string { return "session_chat_refs" }

type GormPersist struct {
	db *gorm.DB
}

func NewGormPersister(cfg *config.Config) (Persister, error) {
	db, err := setupGormDB(cfg)
	if err != nil {
		return nil, err
	}
	return &GormPersist{db: db}, nil
}

func setupGormDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg.PersistenceConfig.DSN == "" {
		return nil, fmt.Errorf("no dsn configured")
	}
	var dial gorm.Dialector
	switch cfg.PersistenceConfig.Type {
	case config.PersistenceTypePostgres:
		dial = postgres.Open(cfg.PersistenceConfig.DSN)

	case config.PersistenceTypeSQLite:
		dial = sqlite.Open(cfg.PersistenceConfig.DSN)

	default:
		return nil, fmt.Errorf("invalid gorm configuration")
	}
	db, err := gorm.Open(dial, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	if cfg.PersistenceConfig.Type == config.PersistenceTypeSQLite {
		// sqlite allows a single writer only
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	err = db.AutoMigrate(&sessionRow{}, &memberRow{}, &chatRefRow{}, &types.Message{})
	if err != nil {
		return nil, err
	}
	return db, nil
}

func mapGormError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (p *GormPersist) StoreSession(ctx context.Context, session *types.Session) error {
	if err := prepareSession(session); err != nil {
		return err
	}
	row := sessionRow{
		Id:          session.Id,
		Topic:       session.Topic,
		ModeratorId: session.ModeratorId,
		StartTime:   session.StartTime,
		Duration:    session.Duration,
		Status:      string(session.Status),
		AIPractice:  session.AIPractice,
	}
	members := make([]memberRow, 0, len(session.Participants)+len(session.Evaluators))
	for i, id := range session.Participants {
		members = append(members, memberRow{SessionId: session.Id, UserId: id, Role: string(types.RoleParticipant), Position: i})
	}
	for i, id := range session.Evaluators {
		members = append(members, memberRow{SessionId: session.Id, UserId: id, Role: string(types.RoleEvaluator), Position: i})
	}
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		old := sessionRow{}
		err := lockSessionRow(tx, session.Id).First(&old).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err == nil && types.Status(old.Status) == types.StatusEnded && session.Status != types.StatusEnded {
			return ErrReactivate
		}
		if err := upsertSessionRow(tx, &row); err != nil {
			return err
		}
		err = tx.Where("session_id = ?", session.Id).Delete(&memberRow{}).Error
		if err != nil {
			return err
		}
		if len(members) == 0 {
			return nil
		}
		return tx.Create(&members).Error
	})
}

// lockSessionRow selects the session row FOR UPDATE (ignored by sqlite, which has a single writer anyway).
func lockSessionRow(tx *gorm.DB, sessionId string) *gorm.DB {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", sessionId)
}

// upsertSessionRow inserts or updates the session row. An ended row is only updated by a row that is ended as
// well, so a stale active row never overwrites an ended session.
func upsertSessionRow(tx *gorm.DB, row *sessionRow) error {
	res := tx.Clauses(clause.OnConflict{
		UpdateAll: true,
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "sessions.status <> ? OR excluded.status = ?", Vars: []interface{}{string(types.StatusEnded), string(types.StatusEnded)}},
		}},
	}).Create(row)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrReactivate
	}
	return nil
}

func (p *GormPersist) GetSession(ctx context.Context, sessionId string) (*types.Session, error) {
	var session *types.Session
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := sessionRow{}
		err := tx.Where("id = ?", sessionId).First(&row).Error
		if err != nil {
			return err
		}
		session, err = loadSession(tx, &row)
		return err
	})
	if err != nil {
		return nil, mapGormError(err)
	}
	return session, nil
}

func loadSession(tx *gorm.DB, row *sessionRow) (*types.Session, error) {
	session := &types.Session{
		Id:           row.Id,
		Topic:        row.Topic,
		ModeratorId:  row.ModeratorId,
		Participants: make([]string, 0),
		Evaluators:   make([]string, 0),
		StartTime:    row.StartTime,
		Duration:     row.Duration,
		Status:       types.Status(row.Status),
		ChatHistory:  make([]string, 0),
		AIPractice:   row.AIPractice,
	}
	members := make([]memberRow, 0)
	err := tx.Where("session_id = ?", row.Id).Order("role, position").Find(&members).Error
	if err != nil {
		return nil, err
	}
	for _, m := range members {
		switch types.Role(m.Role) {
		case types.RoleParticipant:
			session.Participants = append(session.Participants, m.UserId)
		case types.RoleEvaluator:
			session.Evaluators = append(session.Evaluators, m.UserId)
		}
	}
	refs := make([]chatRefRow, 0)
	err = tx.Where("session_id = ?", row.Id).Order("seq").Find(&refs).Error
	if err != nil {
		return nil, err
	}
	for _, r := range refs {
		session.ChatHistory = append(session.ChatHistory, r.MessageId)
	}
	return session, nil
}

func (p *GormPersist) getSessions(ctx context.Context, query func(*gorm.DB) *gorm.DB) ([]*types.Session, error) {
	sessions := make([]*types.Session, 0)
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows := make([]sessionRow, 0)
		err := query(tx).Order("start_time, id").Find(&rows).Error
		if err != nil {
			return err
		}
		for i := range rows {
			session, err := loadSession(tx, &rows[i])
			if err != nil {
				return err
			}
			sessions = append(sessions, session)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (p *GormPersist) GetSessions(ctx context.Context) ([]*types.Session, error) {
	return p.getSessions(ctx, func(tx *gorm.DB) *gorm.DB { return tx })
}

func (p *GormPersist) GetActiveSessions(ctx context.Context) ([]*types.Session, error) {
	return p.getSessions(ctx, func(tx *gorm.DB) *gorm.DB {
		return tx.Where("status = ?", string(types.StatusActive))
	})
}

func (p *GormPersist) DeleteSession(ctx context.Context, sessionId string) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", sessionId).Delete(&sessionRow{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Where("session_id = ?", sessionId).Delete(&memberRow{}).Error; err != nil {
			return err
		}
		if err := tx.Where("session_id = ?", sessionId).Delete(&chatRefRow{}).Error; err != nil {
			return err
		}
		return tx.Where("session_id = ?", sessionId).Delete(&types.Message{}).Error
	})
}

// RemoveParticipant deletes the participant membership row in one statement.
func (p *GormPersist) RemoveParticipant(ctx context.Context, sessionId, userId string) (bool, error) {
	res := p.db.WithContext(ctx).
		Where("session_id = ? AND user_id = ? AND role = ?", sessionId, userId, string(types.RoleParticipant)).
		Delete(&memberRow{})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	return false, p.exists(ctx, sessionId)
}

// EndSession moves the session from active to ended in one conditional update. It reports false if the session
// was already ended.
func (p *GormPersist) EndSession(ctx context.Context, sessionId string) (bool, error) {
	res := p.db.WithContext(ctx).Model(&sessionRow{}).
		Where("id = ? AND status = ?", sessionId, string(types.StatusActive)).
		Update("status", string(types.StatusEnded))
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	return false, p.exists(ctx, sessionId)
}

func (p *GormPersist) exists(ctx context.Context, sessionId string) error {
	var count int64
	err := p.db.WithContext(ctx).Model(&sessionRow{}).Where("id = ?", sessionId).Count(&count).Error
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *GormPersist) StoreMessage(ctx context.Context, message *types.Message) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&sessionRow{}).Where("id = ?", message.SessionId).Count(&count).Error
		if err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		if err := tx.Create(message).Error; err != nil {
			return err
		}
		return tx.Create(&chatRefRow{SessionId: message.SessionId, MessageId: message.Id}).Error
	})
}

func (p *GormPersist) AppendChatReference(ctx context.Context, sessionId, messageId string) error {
	if err := p.exists(ctx, sessionId); err != nil {
		return err
	}
	return p.db.WithContext(ctx).Create(&chatRefRow{SessionId: sessionId, MessageId: messageId}).Error
}

func (p *GormPersist) GetChatHistory(ctx context.Context, sessionId string, fromIdx, maxCount int) ([]*types.Message, error) {
	if err := p.exists(ctx, sessionId); err != nil {
		return nil, err
	}
	if fromIdx < 0 {
		fromIdx = 0
	}
	if maxCount <= 0 {
		maxCount = -1
	}
	messages := make([]*types.Message, 0)
	err := p.db.WithContext(ctx).
		Table("messages").
		Select("messages.*").
		Joins("INNER JOIN session_chat_refs AS r ON r.message_id = messages.id").
		Where("r.session_id = ?", sessionId).
		Order("r.seq").
		Offset(fromIdx).
		Limit(maxCount).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}
	return messages, nil
}

func (p *GormPersist) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
