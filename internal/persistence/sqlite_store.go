package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lewisedginton/telefeed/internal/domain"
	"github.com/lewisedginton/telefeed/internal/store"
	"github.com/lewisedginton/telefeed/pkg/logger"
)

// SQLiteStore implements store.Store on a single SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	logger logger.Logger
	// SQLite allows one writer; serialize here instead of retrying SQLITE_BUSY.
	writeMu sync.Mutex
}

var _ store.Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path and migrates it.
func OpenSQLite(ctx context.Context, path string, log logger.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := NewSQLiteMigrationManager(db, log).Up(); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, logger: log}, nil
}

func sqliteDSN(path string) string {
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteSessionColumns = `owner_id, phone, handle, active, last_used, created_at`

const sqliteRuleColumns = `id, owner_id, name, phone, source_id, destination_id, active, filters, superseded_from, created_at`

func (s *SQLiteStore) UpsertSession(ctx context.Context, sess domain.Session) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	createdAt := sess.CreatedAt
	if createdAt.IsZero() {
		createdAt = sess.LastUsed
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO telegram_sessions (owner_id, phone, handle, active, last_used, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (owner_id, phone) DO UPDATE SET
    handle = excluded.handle,
    active = excluded.active,
    last_used = excluded.last_used`,
		sess.Owner, sess.Phone, sess.Handle, boolInt(sess.Active), unixNano(sess.LastUsed), unixNano(createdAt))
	if err != nil {
		s.logger.Error("failed to upsert session", logger.OwnerField(sess.Owner), logger.PhoneField(sess.Phone), logger.ErrorField(err))
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, owner int64) ([]domain.Session, error) {
	return s.querySessions(ctx, `SELECT `+sqliteSessionColumns+` FROM telegram_sessions WHERE owner_id = ? ORDER BY phone`, owner)
}

func (s *SQLiteStore) ListActiveSessions(ctx context.Context) ([]domain.Session, error) {
	return s.querySessions(ctx, `SELECT `+sqliteSessionColumns+` FROM telegram_sessions WHERE active = 1 ORDER BY owner_id, phone`)
}

func (s *SQLiteStore) FindActiveSessionsByPhone(ctx context.Context, phone string) ([]domain.Session, error) {
	return s.querySessions(ctx, `SELECT `+sqliteSessionColumns+` FROM telegram_sessions WHERE active = 1 AND phone = ? ORDER BY last_used DESC`, phone)
}

func (s *SQLiteStore) GetSession(ctx context.Context, owner int64, phone string) (domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteSessionColumns+` FROM telegram_sessions WHERE owner_id = ? AND phone = ?`, owner, phone)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) DeactivateSession(ctx context.Context, owner int64, phone string) error {
	return s.execOne(ctx, "deactivate session",
		`UPDATE telegram_sessions SET active = 0 WHERE owner_id = ? AND phone = ?`, owner, phone)
}

func (s *SQLiteStore) TouchSession(ctx context.Context, owner int64, phone string, at time.Time) error {
	return s.execOne(ctx, "touch session",
		`UPDATE telegram_sessions SET last_used = ? WHERE owner_id = ? AND phone = ?`, unixNano(at), owner, phone)
}

func (s *SQLiteStore) DeactivateIdleSessions(ctx context.Context, cutoff time.Time) ([]domain.Session, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
UPDATE telegram_sessions SET active = 0
WHERE active = 1 AND last_used < ?
RETURNING `+sqliteSessionColumns, unixNano(cutoff))
	if err != nil {
		return nil, fmt.Errorf("deactivate idle sessions: %w", err)
	}
	return collectSessions(rows)
}

func (s *SQLiteStore) SavePending(ctx context.Context, p domain.PendingRule) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
INSERT INTO pending_rules (owner_id, name, phone, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (owner_id) DO UPDATE SET
    name = excluded.name,
    phone = excluded.phone,
    created_at = excluded.created_at`,
		p.Owner, p.Name, p.Phone, unixNano(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("save pending rule: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetPending(ctx context.Context, owner int64) (domain.PendingRule, error) {
	var (
		p         domain.PendingRule
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT owner_id, name, phone, created_at FROM pending_rules WHERE owner_id = ?`, owner).
		Scan(&p.Owner, &p.Name, &p.Phone, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PendingRule{}, store.ErrNotFound
	}
	if err != nil {
		return domain.PendingRule{}, fmt.Errorf("get pending rule: %w", err)
	}
	p.CreatedAt = fromUnixNano(createdAt)
	return p, nil
}

func (s *SQLiteStore) ListRules(ctx context.Context, owner int64) ([]domain.Rule, error) {
	return s.queryRules(ctx, `SELECT `+sqliteRuleColumns+` FROM rules WHERE owner_id = ? ORDER BY created_at, id`, owner)
}

func (s *SQLiteStore) ListActiveRules(ctx context.Context) ([]domain.Rule, error) {
	return s.queryRules(ctx, `SELECT `+sqliteRuleColumns+` FROM rules WHERE active = 1 ORDER BY created_at, id`)
}

func (s *SQLiteStore) ApplyRuleChange(ctx context.Context, change store.RuleChange) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rule change: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range change.Retire {
		res, err := tx.ExecContext(ctx, `UPDATE rules SET active = 0 WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("retire rule %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("retire rule %s: %w", id, store.ErrNotFound)
		}
	}
	for _, r := range change.Put {
		filters, err := json.Marshal(r.Filters)
		if err != nil {
			return fmt.Errorf("encode filters for rule %s: %w", r.ID, err)
		}
		var supersededFrom sql.NullString
		if r.SupersededFrom != "" {
			supersededFrom = sql.NullString{String: r.SupersededFrom, Valid: true}
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO rules (`+sqliteRuleColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    name = excluded.name,
    phone = excluded.phone,
    source_id = excluded.source_id,
    destination_id = excluded.destination_id,
    active = excluded.active,
    filters = excluded.filters,
    superseded_from = excluded.superseded_from`,
			r.ID, r.Owner, r.Name, r.Phone, r.SourceID, r.DestinationID, boolInt(r.Active),
			string(filters), supersededFrom, unixNano(r.CreatedAt))
		if err != nil {
			return fmt.Errorf("put rule %s: %w", r.ID, err)
		}
	}
	if change.ClearPending {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_rules WHERE owner_id = ?`, change.Owner); err != nil {
			return fmt.Errorf("clear pending rule: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("failed to commit rule change", logger.OwnerField(change.Owner), logger.ErrorField(err))
		return fmt.Errorf("commit rule change: %w", err)
	}
	return nil
}

func (s *SQLiteStore) execOne(ctx context.Context, op, query string, args ...interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...interface{}) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	return collectSessions(rows)
}

func (s *SQLiteStore) queryRules(ctx context.Context, query string, args ...interface{}) ([]domain.Rule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	out := []domain.Rule{}
	for rows.Next() {
		var (
			r              domain.Rule
			active         int
			filters        string
			supersededFrom sql.NullString
			createdAt      int64
		)
		if err := rows.Scan(&r.ID, &r.Owner, &r.Name, &r.Phone, &r.SourceID, &r.DestinationID,
			&active, &filters, &supersededFrom, &createdAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		if filters != "" {
			if err := json.Unmarshal([]byte(filters), &r.Filters); err != nil {
				return nil, fmt.Errorf("decode filters for rule %s: %w", r.ID, err)
			}
		}
		r.Active = active != 0
		r.SupersededFrom = supersededFrom.String
		r.CreatedAt = fromUnixNano(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (domain.Session, error) {
	var (
		sess              domain.Session
		active            int
		lastUsed, created int64
	)
	if err := row.Scan(&sess.Owner, &sess.Phone, &sess.Handle, &active, &lastUsed, &created); err != nil {
		return domain.Session{}, err
	}
	sess.Active = active != 0
	sess.LastUsed = fromUnixNano(lastUsed)
	sess.CreatedAt = fromUnixNano(created)
	return sess, nil
}

func collectSessions(rows *sql.Rows) ([]domain.Session, error) {
	defer rows.Close()

	out := []domain.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
