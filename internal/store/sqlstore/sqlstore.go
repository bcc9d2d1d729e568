// Package sqlstore persists chat messages through database/sql. Postgres is
// reached through pgx; sqlite (modernc, pure Go) serves single-node setups.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"prjsdr.xyz/relay/internal/auth"
	"prjsdr.xyz/relay/internal/store"
)

// Dialect selects driver and SQL flavour.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

//go:embed migrations
var migrations embed.FS

// Migrations returns the schema files for d, rooted at the dialect directory.
func Migrations(d Dialect) (fs.FS, error) {
	return fs.Sub(migrations, "migrations/"+string(d))
}

// ParseDSN picks the dialect from a DSN and strips the sqlite scheme.
// "sqlite://path.db", "sqlite:path.db" and "file:..." select sqlite; anything
// else is handed to pgx.
func ParseDSN(dsn string) (Dialect, string) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		return SQLite, strings.TrimPrefix(dsn, "sqlite://")
	case strings.HasPrefix(dsn, "sqlite:"):
		return SQLite, strings.TrimPrefix(dsn, "sqlite:")
	case strings.HasPrefix(dsn, "file:"):
		return SQLite, dsn
	}
	return Postgres, dsn
}

func (d Dialect) driver() string {
	if d == SQLite {
		return "sqlite"
	}
	return "pgx"
}

var placeholder = regexp.MustCompile(`\$\d+`)

// Rebind rewrites $N placeholders for dialects that expect '?'.
func (d Dialect) Rebind(query string) string {
	if d != SQLite {
		return query
	}
	return placeholder.ReplaceAllString(query, "?")
}

// Store implements store.MessageStore on a SQL database.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

var _ store.MessageStore = (*Store)(nil)

// Open connects using the dialect implied by dsn.
func Open(dsn string) (*Store, error) {
	dialect, source := ParseDSN(dsn)
	if source == "" {
		return nil, errors.New("sqlstore: empty dsn")
	}
	db, err := sql.Open(dialect.driver(), source)
	if err != nil {
		return nil, err
	}
	if dialect == SQLite {
		// sqlite serialises writers; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(15 * time.Minute)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}
	return &Store{db: db, dialect: dialect}, nil
}

// New wraps an existing handle.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Dialect() Dialect { return s.dialect }

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) Save(ctx context.Context, m store.Message) (store.Message, error) {
	if err := m.Validate(); err != nil {
		return store.Message{}, err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		insert into ticket_messages(ticket_id, sender_id, sender_role, receiver_id, receiver_role, message, created_at, is_read)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
		returning id
	`), m.TicketID, m.SenderID, string(m.SenderRole), m.ReceiverID, string(m.ReceiverRole), m.Body, m.CreatedAt, m.IsRead).Scan(&m.ID)
	if err != nil {
		return store.Message{}, fmt.Errorf("save message: %w", err)
	}
	return m, nil
}

func (s *Store) FindForParticipant(ctx context.Context, ticketID, principalID int64) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		select id, ticket_id, sender_id, sender_role, receiver_id, receiver_role, message, created_at, is_read
		from ticket_messages
		where ticket_id=$1 and (sender_id=$2 or receiver_id=$3)
		order by created_at asc, id asc
	`), ticketID, principalID, principalID)
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		var (
			m                        store.Message
			senderRole, receiverRole string
		)
		if err := rows.Scan(&m.ID, &m.TicketID, &m.SenderID, &senderRole, &m.ReceiverID, &receiverRole, &m.Body, &m.CreatedAt, &m.IsRead); err != nil {
			return nil, err
		}
		m.SenderRole = auth.Role(senderRole)
		m.ReceiverRole = auth.Role(receiverRole)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) HasParticipant(ctx context.Context, ticketID, principalID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		select exists(
			select 1 from ticket_messages
			where ticket_id=$1 and (sender_id=$2 or receiver_id=$3)
		)
	`), ticketID, principalID, principalID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("participant check: %w", err)
	}
	return exists, nil
}

func (s *Store) MarkRead(ctx context.Context, ticketID, receiverID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		update ticket_messages set is_read = true
		where ticket_id=$1 and receiver_id=$2 and is_read = false
	`), ticketID, receiverID)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return res.RowsAffected()
}
