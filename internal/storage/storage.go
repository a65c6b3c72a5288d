// Package storage persists transfer outcomes so operators can audit what a
// session moved, long after the session itself was swept away.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"
)

// TransferResult is one recorded transfer attempt.
type TransferResult struct {
	ID        int64     `json:"id" bun:",pk,autoincrement"`
	SessionID string    `json:"session_id" bun:",notnull"`
	Network   string    `json:"network" bun:",notnull"`
	Account   string    `json:"account" bun:",notnull"`
	Asset     string    `json:"asset" bun:",notnull"`
	Kind      string    `json:"kind" bun:",notnull"`
	Status    string    `json:"status" bun:",notnull"`
	Detail    string    `json:"detail,omitempty" bun:",nullzero"`
	TxHash    string    `json:"tx_hash,omitempty" bun:",nullzero"`
	Amount    string    `json:"amount,omitempty" bun:",nullzero"`
	CreatedAt time.Time `json:"created_at" bun:",nullzero,notnull,default:current_timestamp"`
}

// DirectiveRow is a persisted priority directive: rescue this contract
// ahead of the value order whenever the account comes up again.
type DirectiveRow struct {
	ID        int64     `json:"id" bun:",pk,autoincrement"`
	Account   string    `json:"account" bun:",notnull"`
	Network   string    `json:"network" bun:",notnull"`
	Contract  string    `json:"contract" bun:",notnull"`
	Tier      string    `json:"tier" bun:",notnull"`
	CreatedAt time.Time `json:"created_at" bun:",nullzero,notnull,default:current_timestamp"`
}

// Open connects to Postgres. Only postgres DSNs are accepted; the rescue
// daemon runs fine without a database when none is configured.
func Open(dsn string, maxConns int) (*bun.DB, error) {
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") && !strings.HasPrefix(dsn, "unix://") {
		return nil, fmt.Errorf("unsupported database dsn %q, only (postgres|postgresql|unix):// works", dsn)
	}
	dbConn := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(dbConn, pgdialect.New())
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
		db.SetMaxIdleConns(maxConns)
	}
	db.AddQueryHook(bundebug.NewQueryHook(
		bundebug.WithEnabled(false),
		// BUNDEBUG=1 logs failed queries, BUNDEBUG=2 logs all
		bundebug.FromEnv("BUNDEBUG"),
	))
	return db, nil
}

// Store reads and writes transfer results. A nil Store is a valid no-op so
// callers never branch on database availability.
type Store struct {
	db *bun.DB
}

func NewStore(db *bun.DB) *Store { return &Store{db: db} }

// Init creates the tables when missing.
func (s *Store) Init(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	for _, model := range []interface{}{(*TransferResult)(nil), (*DirectiveRow)(nil)} {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Save(ctx context.Context, res *TransferResult) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.NewInsert().Model(res).Exec(ctx)
	return err
}

// BySession lists a session's results, newest first.
func (s *Store) BySession(ctx context.Context, sessionID string) ([]TransferResult, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var out []TransferResult
	err := s.db.NewSelect().Model(&out).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Scan(ctx)
	return out, err
}

// SaveDirective persists one priority directive.
func (s *Store) SaveDirective(ctx context.Context, d *DirectiveRow) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.NewInsert().Model(d).Exec(ctx)
	return err
}

// DirectivesFor lists an account's stored directives, oldest first so the
// user's earliest priorities keep their rank.
func (s *Store) DirectivesFor(ctx context.Context, account string) ([]DirectiveRow, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var out []DirectiveRow
	err := s.db.NewSelect().Model(&out).
		Where("account = ?", account).
		Order("created_at ASC").
		Scan(ctx)
	return out, err
}

// DeleteDirective removes one stored directive.
func (s *Store) DeleteDirective(ctx context.Context, id int64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res, err := s.db.NewDelete().Model((*DirectiveRow)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Purge deletes results older than the retention window and returns how
// many rows went away.
func (s *Store) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res, err := s.db.NewDelete().Model((*TransferResult)(nil)).
		Where("created_at < ?", time.Now().Add(-olderThan)).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
