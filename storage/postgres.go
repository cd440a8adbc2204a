package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"flatfinder/pkg/flatfinder"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres stores the same records as Store in PostgreSQL.
type Postgres struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenPostgres connects to databaseURL, applies pending migrations and checks the connection.
func OpenPostgres(ctx context.Context, databaseURL string, logger *slog.Logger) (*Postgres, error) {
	if err := runMigrations(databaseURL); err != nil {
		return nil, err
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck,gosec // connection never worked
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("Connected to PostgreSQL")
	return &Postgres{db: db, logger: logger}, nil
}

func runMigrations(databaseURL string) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Known reports which of ids are already recorded for chatID.
func (p *Postgres) Known(ctx context.Context, chatID int64, ids []string) (map[string]bool, error) {
	known := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return known, nil
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT listing_id FROM listings WHERE chat_id = $1 AND listing_id = ANY($2)`,
		chatID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("query known listings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan listing id: %w", err)
		}
		known[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate known listings: %w", err)
	}
	return known, nil
}

// Record stores listings, skipping any already recorded for the same chat.
// The raw payload goes into JSONB as received; key escaping is only needed for
// the object store.
func (p *Postgres) Record(ctx context.Context, listings ...*flatfinder.Listing) error {
	for _, l := range listings {
		raw := l.Raw
		if len(raw) == 0 {
			raw = json.RawMessage("null")
		}
		_, err := p.db.ExecContext(ctx,
			`INSERT INTO listings (chat_id, listing_id, source, size, rooms, price, title, url, raw)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (chat_id, listing_id) DO NOTHING`,
			l.ChatID, l.ID, string(l.Source), l.Size, l.Rooms, l.Price, l.Title, l.URL, string(raw))
		if err != nil {
			return fmt.Errorf("record listing %s: %w", l.ID, err)
		}
	}
	return nil
}

// CreateSubscriber stores a new subscriber. An existing record is left untouched.
func (p *Postgres) CreateSubscriber(ctx context.Context, sub *flatfinder.Subscriber) error {
	res, err := p.db.ExecContext(ctx,
		`INSERT INTO subscribers (chat_id, first_name, active, query, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (chat_id) DO NOTHING`,
		sub.ChatID, sub.FirstName, sub.Active, sub.Query, sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("create subscriber: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		p.logger.Info("Subscriber already exists", "chat_id", sub.ChatID)
		return nil
	}
	p.logger.Info("Subscriber created", "chat_id", sub.ChatID, "first_name", sub.FirstName)
	return nil
}

// Subscriber loads a subscriber by chat id. It returns ErrNotFound when none exists.
func (p *Postgres) Subscriber(ctx context.Context, chatID int64) (*flatfinder.Subscriber, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT chat_id, first_name, active, query, created_at FROM subscribers WHERE chat_id = $1`, chatID)
	sub, err := scanSubscriber(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load subscriber %d: %w", chatID, err)
	}
	return sub, nil
}

// FindActive returns all active subscribers ordered by creation time.
func (p *Postgres) FindActive(ctx context.Context) ([]*flatfinder.Subscriber, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT chat_id, first_name, active, query, created_at FROM subscribers
		 WHERE active ORDER BY created_at, chat_id`)
	if err != nil {
		return nil, fmt.Errorf("query active subscribers: %w", err)
	}
	defer rows.Close()

	var subs []*flatfinder.Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscribers: %w", err)
	}
	return subs, nil
}

// SetQuery stores a new search URL and activates the subscriber.
func (p *Postgres) SetQuery(ctx context.Context, chatID int64, query string) error {
	return p.updateSubscriber(ctx, chatID,
		`UPDATE subscribers SET query = $2, active = TRUE WHERE chat_id = $1`, query)
}

// SetActive pauses or resumes notifications for a subscriber.
func (p *Postgres) SetActive(ctx context.Context, chatID int64, active bool) error {
	return p.updateSubscriber(ctx, chatID,
		`UPDATE subscribers SET active = $2 WHERE chat_id = $1`, active)
}

func (p *Postgres) updateSubscriber(ctx context.Context, chatID int64, query string, arg any) error {
	res, err := p.db.ExecContext(ctx, query, chatID, arg)
	if err != nil {
		return fmt.Errorf("update subscriber %d: %w", chatID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update subscriber %d: %w", chatID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	p.logger.Info("Subscriber updated", "chat_id", chatID)
	return nil
}

// UpdateProcessed reports whether an inbound update has been handled.
func (p *Postgres) UpdateProcessed(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_updates WHERE update_id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check update %d: %w", id, err)
	}
	return exists, nil
}

// MarkUpdate records an inbound update as handled. Marking twice is a no-op.
func (p *Postgres) MarkUpdate(ctx context.Context, id int64) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO processed_updates (update_id) VALUES ($1) ON CONFLICT (update_id) DO NOTHING`, id)
	if err != nil {
		return fmt.Errorf("mark update %d: %w", id, err)
	}
	return nil
}

// MaxUpdateID returns the highest processed update id, or flatfinder.NoUpdateID if none.
func (p *Postgres) MaxUpdateID(ctx context.Context) (int64, error) {
	var maxID int64
	err := p.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(update_id), $1) FROM processed_updates`, flatfinder.NoUpdateID).Scan(&maxID)
	if err != nil {
		return 0, fmt.Errorf("max update id: %w", err)
	}
	return maxID, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscriber(row scanner) (*flatfinder.Subscriber, error) {
	var (
		sub   flatfinder.Subscriber
		query sql.NullString
	)
	if err := row.Scan(&sub.ChatID, &sub.FirstName, &sub.Active, &query, &sub.CreatedAt); err != nil {
		return nil, err
	}
	if query.Valid {
		sub.Query = &query.String
	}
	return &sub, nil
}
