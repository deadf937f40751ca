// Package db stores controller events and inventories in PostgreSQL.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Querier is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Event struct {
	Created time.Time
	APID    int64
	OwnerID *int64
	Card    *int64
	Code    *int64
}

type AccessPoint struct {
	SystemID int64
	Name     string
}

type CardOwner struct {
	SystemID   int64
	FirstName  string
	SecondName string
	LastName   string
}

const (
	insertEventSQL = `
		INSERT INTO public.pacs_event(created, ap_id, owner_id, card, code)
		VALUES($1, $2, $3, $4, $5)
		RETURNING id`

	upsertAccessPointSQL = `
		INSERT INTO public.pacs_accesspoint(system_id, name)
		VALUES($1, $2)
		ON CONFLICT (system_id)
		DO UPDATE SET name = EXCLUDED.name`

	upsertCardOwnerSQL = `
		INSERT INTO public.pacs_cardowner(system_id, firstname, secondname, lastname)
		VALUES($1, $2, $3, $4)
		ON CONFLICT (system_id)
		DO UPDATE SET firstname = EXCLUDED.firstname, secondname = EXCLUDED.secondname, lastname = EXCLUDED.lastname`
)

// Repository writes the bridge's tables through a Querier.
type Repository struct {
	q      Querier
	logger *zap.Logger
}

func NewRepository(q Querier, logger *zap.Logger) *Repository {
	return &Repository{q: q, logger: logger}
}

// InsertEvent stores one event and returns its generated id.
func (r *Repository) InsertEvent(ctx context.Context, ev Event) (int64, error) {
	var id int64
	err := r.q.QueryRow(ctx, insertEventSQL, ev.Created, ev.APID, ev.OwnerID, ev.Card, ev.Code).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert pacs_event: %w", err)
	}
	r.logger.Debug("event stored", zap.Int64("id", id), zap.Int64("ap_id", ev.APID))
	return id, nil
}

func (r *Repository) UpsertAccessPoint(ctx context.Context, ap AccessPoint) error {
	if _, err := r.q.Exec(ctx, upsertAccessPointSQL, ap.SystemID, ap.Name); err != nil {
		return fmt.Errorf("upsert pacs_accesspoint %d: %w", ap.SystemID, err)
	}
	return nil
}

func (r *Repository) UpsertCardOwner(ctx context.Context, o CardOwner) error {
	if _, err := r.q.Exec(ctx, upsertCardOwnerSQL, o.SystemID, o.FirstName, o.SecondName, o.LastName); err != nil {
		return fmt.Errorf("upsert pacs_cardowner %d: %w", o.SystemID, err)
	}
	return nil
}

// Connect opens a connection pool and verifies it with a ping.
func Connect(ctx context.Context, dsn string, logger *zap.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Info("database connected",
		zap.String("host", cfg.ConnConfig.Host),
		zap.String("database", cfg.ConnConfig.Database))
	return pool, nil
}
