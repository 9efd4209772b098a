package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lewisedginton/telefeed/internal/domain"
	"github.com/lewisedginton/telefeed/internal/persistence/sqlc"
	"github.com/lewisedginton/telefeed/internal/store"
	"github.com/lewisedginton/telefeed/pkg/logger"
)

// PostgresStore implements store.Store on a pgx pool.
type PostgresStore struct {
	db      *pgxpool.Pool
	queries *sqlc.Queries
	logger  logger.Logger
}

var _ store.Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an open pool. The schema must already be migrated.
func NewPostgresStore(db *pgxpool.Pool, log logger.Logger) *PostgresStore {
	return &PostgresStore{
		db:      db,
		queries: sqlc.New(db),
		logger:  log,
	}
}

// OpenPostgres connects to connString, applies migrations and returns a store
// that owns the pool.
func OpenPostgres(ctx context.Context, connString string, log logger.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := NewPostgresMigrationManager(pool, log).Up(); err != nil {
		pool.Close()
		return nil, err
	}
	return NewPostgresStore(pool, log), nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func (s *PostgresStore) UpsertSession(ctx context.Context, sess domain.Session) error {
	createdAt := sess.CreatedAt
	if createdAt.IsZero() {
		createdAt = sess.LastUsed
	}
	err := s.queries.UpsertSession(ctx, sqlc.UpsertSessionParams{
		OwnerID:   sess.Owner,
		Phone:     sess.Phone,
		Handle:    sess.Handle,
		Active:    sess.Active,
		LastUsed:  timestamptz(sess.LastUsed),
		CreatedAt: timestamptz(createdAt),
	})
	if err != nil {
		s.logger.Error("failed to upsert session", logger.OwnerField(sess.Owner), logger.PhoneField(sess.Phone), logger.ErrorField(err))
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, owner int64) ([]domain.Session, error) {
	rows, err := s.queries.ListSessionsByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return convertSessions(rows), nil
}

func (s *PostgresStore) ListActiveSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.queries.ListActiveSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	return convertSessions(rows), nil
}

func (s *PostgresStore) FindActiveSessionsByPhone(ctx context.Context, phone string) ([]domain.Session, error) {
	rows, err := s.queries.ListActiveSessionsByPhone(ctx, phone)
	if err != nil {
		return nil, fmt.Errorf("find sessions by phone: %w", err)
	}
	return convertSessions(rows), nil
}

func (s *PostgresStore) GetSession(ctx context.Context, owner int64, phone string) (domain.Session, error) {
	row, err := s.queries.GetSession(ctx, sqlc.GetSessionParams{OwnerID: owner, Phone: phone})
	if err != nil {
		return domain.Session{}, fmt.Errorf("get session: %w", notFound(err))
	}
	return convertSession(row), nil
}

func (s *PostgresStore) DeactivateSession(ctx context.Context, owner int64, phone string) error {
	n, err := s.queries.DeactivateSession(ctx, sqlc.DeactivateSessionParams{OwnerID: owner, Phone: phone})
	if err != nil {
		return fmt.Errorf("deactivate session: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) TouchSession(ctx context.Context, owner int64, phone string, at time.Time) error {
	n, err := s.queries.TouchSession(ctx, sqlc.TouchSessionParams{OwnerID: owner, Phone: phone, LastUsed: timestamptz(at)})
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeactivateIdleSessions(ctx context.Context, cutoff time.Time) ([]domain.Session, error) {
	rows, err := s.queries.DeactivateIdleSessions(ctx, timestamptz(cutoff))
	if err != nil {
		return nil, fmt.Errorf("deactivate idle sessions: %w", err)
	}
	return convertSessions(rows), nil
}

func (s *PostgresStore) SavePending(ctx context.Context, p domain.PendingRule) error {
	err := s.queries.UpsertPendingRule(ctx, sqlc.UpsertPendingRuleParams{
		OwnerID:   p.Owner,
		Name:      p.Name,
		Phone:     p.Phone,
		CreatedAt: timestamptz(p.CreatedAt),
	})
	if err != nil {
		return fmt.Errorf("save pending rule: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPending(ctx context.Context, owner int64) (domain.PendingRule, error) {
	row, err := s.queries.GetPendingRule(ctx, owner)
	if err != nil {
		return domain.PendingRule{}, fmt.Errorf("get pending rule: %w", notFound(err))
	}
	return domain.PendingRule{
		Owner:     row.OwnerID,
		Name:      row.Name,
		Phone:     row.Phone,
		CreatedAt: row.CreatedAt.Time,
	}, nil
}

func (s *PostgresStore) ListRules(ctx context.Context, owner int64) ([]domain.Rule, error) {
	rows, err := s.queries.ListRulesByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	return convertRules(rows)
}

func (s *PostgresStore) ListActiveRules(ctx context.Context) ([]domain.Rule, error) {
	rows, err := s.queries.ListActiveRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active rules: %w", err)
	}
	return convertRules(rows)
}

// ApplyRuleChange runs the retire, put and pending steps in one transaction.
func (s *PostgresStore) ApplyRuleChange(ctx context.Context, change store.RuleChange) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin rule change: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := s.queries.WithTx(tx)
	for _, id := range change.Retire {
		n, err := q.RetireRule(ctx, id)
		if err != nil {
			return fmt.Errorf("retire rule %s: %w", id, err)
		}
		if n == 0 {
			return fmt.Errorf("retire rule %s: %w", id, store.ErrNotFound)
		}
	}
	for _, r := range change.Put {
		params, err := upsertRuleParams(r)
		if err != nil {
			return err
		}
		if err := q.UpsertRule(ctx, params); err != nil {
			return fmt.Errorf("put rule %s: %w", r.ID, err)
		}
	}
	if change.ClearPending {
		if err := q.DeletePendingRule(ctx, change.Owner); err != nil {
			return fmt.Errorf("clear pending rule: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		s.logger.Error("failed to commit rule change", logger.OwnerField(change.Owner), logger.ErrorField(err))
		return fmt.Errorf("commit rule change: %w", err)
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func timestamptz(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: !t.IsZero()}
}

func upsertRuleParams(r domain.Rule) (sqlc.UpsertRuleParams, error) {
	filters, err := json.Marshal(r.Filters)
	if err != nil {
		return sqlc.UpsertRuleParams{}, fmt.Errorf("encode filters for rule %s: %w", r.ID, err)
	}
	return sqlc.UpsertRuleParams{
		ID:             r.ID,
		OwnerID:        r.Owner,
		Name:           r.Name,
		Phone:          r.Phone,
		SourceID:       r.SourceID,
		DestinationID:  r.DestinationID,
		Active:         r.Active,
		Filters:        filters,
		SupersededFrom: pgtype.Text{String: r.SupersededFrom, Valid: r.SupersededFrom != ""},
		CreatedAt:      timestamptz(r.CreatedAt),
	}, nil
}

func convertSession(row sqlc.TelegramSession) domain.Session {
	return domain.Session{
		Owner:     row.OwnerID,
		Phone:     row.Phone,
		Handle:    row.Handle,
		Active:    row.Active,
		LastUsed:  row.LastUsed.Time,
		CreatedAt: row.CreatedAt.Time,
	}
}

func convertSessions(rows []sqlc.TelegramSession) []domain.Session {
	out := make([]domain.Session, 0, len(rows))
	for _, row := range rows {
		out = append(out, convertSession(row))
	}
	return out
}

func convertRules(rows []sqlc.Rule) ([]domain.Rule, error) {
	out := make([]domain.Rule, 0, len(rows))
	for _, row := range rows {
		var filters domain.Filters
		if len(row.Filters) > 0 {
			if err := json.Unmarshal(row.Filters, &filters); err != nil {
				return nil, fmt.Errorf("decode filters for rule %s: %w", row.ID, err)
			}
		}
		out = append(out, domain.Rule{
			ID:             row.ID,
			Owner:          row.OwnerID,
			Name:           row.Name,
			Phone:          row.Phone,
			SourceID:       row.SourceID,
			DestinationID:  row.DestinationID,
			Active:         row.Active,
			Filters:        filters,
			SupersededFrom: row.SupersededFrom.String,
			CreatedAt:      row.CreatedAt.Time,
		})
	}
	return out, nil
}
