//nolint:lll // struct tags can't be split
package chatrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	defaultLogListLimit = 50
	maxLogListLimit     = 500
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with a millisecond creation timestamp
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// InteractionLog records every interaction received from discord
type InteractionLog struct {
	ModelUintID
	ModelUnixTime
	InteractionID string `json:"interaction_id" gorm:"not null"`
	Type          string `json:"type" gorm:"type:string"`
	Command       string `json:"command" gorm:"type:string;index"`
	UserID        string `json:"user_id" gorm:"not null"`
	Username      string `json:"username" gorm:"type:string"`
	GuildID       string `json:"guild_id" gorm:"type:string"`
	ChannelID     string `json:"channel_id" gorm:"type:string"`
	Payload       string `json:"payload" gorm:"type:string"`
}

func newInteractionLog(i *discordgo.InteractionCreate, u *discordgo.User) (*InteractionLog, error) {
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}
	l := &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Payload:       string(p),
	}
	if i.Type == discordgo.InteractionApplicationCommand {
		l.Command = i.ApplicationCommandData().Name
	}
	if u != nil {
		l.UserID = u.ID
		l.Username = u.String()
	}
	return l, nil
}

// CompletionLog records a single relayed completion request
type CompletionLog struct {
	ModelUintID
	ModelUnixTime
	ConversationKey string `json:"conversation_key" gorm:"type:string;index"`
	Source          string `json:"source" gorm:"type:string"`
	Model           string `json:"model" gorm:"type:string"`
	Credential      int    `json:"credential"`
	HistoryLength   int    `json:"history_length"`
	Prompt          string `json:"prompt" gorm:"type:string"`
	Reply           string `json:"reply" gorm:"type:string"`
	RequestStarted  int64  `json:"request_started"`
	RequestEnded    int64  `json:"request_ended"`
	Error           string `json:"error" gorm:"type:string"`
}

func newCompletionLog(key string, source string, r CompletionResult) *CompletionLog {
	l := &CompletionLog{
		ConversationKey: key,
		Source:          source,
		Model:           r.Model,
		Credential:      r.Credential,
		HistoryLength:   r.History,
		Prompt:          r.Prompt,
		Reply:           r.Reply,
		RequestStarted:  r.Started.UnixMilli(),
		RequestEnded:    r.Finished.UnixMilli(),
	}
	if r.Err != nil {
		l.Error = r.Err.Error()
	}
	return l
}

// NicknameReview records a classified nickname change, and whether the
// member was renamed as a result
type NicknameReview struct {
	ModelUintID
	ModelUnixTime
	GuildID     string `json:"guild_id" gorm:"type:string;index"`
	UserID      string `json:"user_id" gorm:"type:string;index"`
	Nickname    string `json:"nickname" gorm:"type:string"`
	Severity    int    `json:"severity"`
	Threshold   int    `json:"threshold"`
	Renamed     bool   `json:"renamed"`
	NewNickname string `json:"new_nickname" gorm:"type:string"`
	Error       string `json:"error" gorm:"type:string"`
}

// DBI defines the interface for audit log operations. [database]
// implements it for 'real' DB operations.
type DBI interface {
	DB() *gorm.DB
	Create(ctx context.Context, value any) (rowsAffected int64, err error)

	// Recent loads the most recent records of dest's type, newest first
	Recent(ctx context.Context, dest any, limit int, conds ...any) error
}

// database wraps a gorm connection. When concurrent writes are disabled
// (sqlite), writes are serialized with a mutex.
type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase wraps db as a DBI. Unless enableConcurrentWrites is set
// (postgres), writes are serialized with a mutex, since sqlite allows a
// single writer.
func NewDatabase(db *gorm.DB, log *slog.Logger, enableConcurrentWrites bool) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) Create(ctx context.Context, value any) (int64, error) {
	if !d.enableConcurrentWrites {
		d.mu.Lock()
		defer d.mu.Unlock()
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	rv := d.db.WithContext(ctx).Create(value)
	if rv.Error != nil {
		d.logger.ErrorContext(ctx, "error creating record", tint.Err(rv.Error))
	}
	return rv.RowsAffected, rv.Error
}

func (d *database) Recent(ctx context.Context, dest any, limit int, conds ...any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dbOperationTimeout)
		defer cancel()
	}
	if limit <= 0 {
		limit = defaultLogListLimit
	}
	limit = min(limit, maxLogListLimit)
	q := d.db.WithContext(ctx).Order("id desc").Limit(limit)
	if len(conds) > 0 {
		q = q.Where(conds[0], conds[1:]...)
	}
	return q.Find(dest).Error
}

// CreateDB initializes and returns a GORM database connection based on
// the specified database type, and migrates the audit log tables.
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := newLogHandler(defaultLogWriter, slog.LevelWarn)
	return createDB(
		ctx,
		databaseType,
		database,
		newGORMLogger(handler, DefaultDatabaseSlowThreshold),
	)
}

func createDB(
	ctx context.Context,
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormLogger.logger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
		"database", database,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return nil, err
	}
	if err = db.WithContext(ctx).AutoMigrate(
		&InteractionLog{},
		&CompletionLog{},
		&NicknameReview{},
	); err != nil {
		return db, fmt.Errorf("error migrating database: %w", err)
	}
	return db, nil
}

func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
				return nil, err
			}
		}
		db, err := gorm.Open(sqlite.Open(database), gormConfig)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		for _, pragma := range sqliteExecPragma {
			if err = db.Exec(pragma).Error; err != nil {
				return nil, fmt.Errorf("error executing %q: %w", pragma, err)
			}
		}
		return db, nil
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
