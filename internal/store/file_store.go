package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lewisedginton/telefeed/internal/domain"
	"github.com/lewisedginton/telefeed/internal/storage_manager"
	"github.com/lewisedginton/telefeed/pkg/logger"
)

// FileConfig configures a FileStore.
type FileConfig struct {
	File         string                       // Document path relative to the provider root
	FileProvider storage_manager.FileProvider // Local or S3 provider
	Logger       logger.Logger
}

// document is the JSON layout of the store file.
type document struct {
	Sessions []domain.Session     `json:"sessions"`
	Rules    []domain.Rule        `json:"rules"`
	Pending  []domain.PendingRule `json:"pending"`
}

type sessionKey struct {
	owner int64
	phone string
}

// FileStore keeps the whole dataset in memory and rewrites one JSON document
// on every mutation.
type FileStore struct {
	config FileConfig

	mu       sync.RWMutex
	sessions map[sessionKey]domain.Session
	rules    map[string]domain.Rule
	pending  map[int64]domain.PendingRule

	fileMutex sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore loads the document if it exists.
func NewFileStore(ctx context.Context, config FileConfig) (*FileStore, error) {
	if config.File == "" {
		return nil, fmt.Errorf("store file path is required")
	}
	if config.FileProvider == nil {
		return nil, fmt.Errorf("file provider is required")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	s := &FileStore{
		config:   config,
		sessions: make(map[sessionKey]domain.Session),
		rules:    make(map[string]domain.Rule),
		pending:  make(map[int64]domain.PendingRule),
	}
	if err := s.load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load store: %w", err)
	}
	return s, nil
}

func (s *FileStore) load(ctx context.Context) error {
	s.fileMutex.Lock()
	defer s.fileMutex.Unlock()

	exists, err := s.config.FileProvider.Exists(ctx, s.config.File)
	if err != nil {
		return fmt.Errorf("failed to check store file existence: %w", err)
	}
	if !exists {
		s.config.Logger.Info("Store file does not exist, starting empty", logger.StringField("file", s.config.File))
		return nil
	}

	data, err := s.config.FileProvider.Read(ctx, s.config.File)
	if err != nil {
		return fmt.Errorf("failed to read store file: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse store file: %w", err)
	}

	for _, sess := range doc.Sessions {
		s.sessions[sessionKey{owner: sess.Owner, phone: sess.Phone}] = sess
	}
	for _, r := range doc.Rules {
		s.rules[r.ID] = r
	}
	for _, p := range doc.Pending {
		s.pending[p.Owner] = p
	}

	s.config.Logger.Info("Loaded store",
		logger.StringField("file", s.config.File),
		logger.IntField("sessions", len(doc.Sessions)),
		logger.IntField("rules", len(doc.Rules)))
	return nil
}

// saveLocked writes the document. Callers hold s.mu.
func (s *FileStore) saveLocked(ctx context.Context) error {
	s.fileMutex.Lock()
	defer s.fileMutex.Unlock()

	doc := document{
		Sessions: make([]domain.Session, 0, len(s.sessions)),
		Rules:    make([]domain.Rule, 0, len(s.rules)),
		Pending:  make([]domain.PendingRule, 0, len(s.pending)),
	}
	for _, sess := range s.sessions {
		doc.Sessions = append(doc.Sessions, sess)
	}
	for _, r := range s.rules {
		doc.Rules = append(doc.Rules, r)
	}
	for _, p := range s.pending {
		doc.Pending = append(doc.Pending, p)
	}
	sort.Slice(doc.Sessions, func(i, j int) bool { return lessSession(doc.Sessions[i], doc.Sessions[j]) })
	sortRules(doc.Rules)
	sort.Slice(doc.Pending, func(i, j int) bool { return doc.Pending[i].Owner < doc.Pending[j].Owner })

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store: %w", err)
	}
	if err := s.config.FileProvider.Write(ctx, s.config.File, data); err != nil {
		return fmt.Errorf("failed to write store file: %w", err)
	}
	return nil
}

func (s *FileStore) UpsertSession(ctx context.Context, sess domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey{owner: sess.Owner, phone: sess.Phone}
	if prev, ok := s.sessions[key]; ok && sess.CreatedAt.IsZero() {
		sess.CreatedAt = prev.CreatedAt
	}
	s.sessions[key] = sess
	return s.saveLocked(ctx)
}

func (s *FileStore) ListSessions(_ context.Context, owner int64) ([]domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []domain.Session{}
	for _, sess := range s.sessions {
		if sess.Owner == owner {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return lessSession(out[i], out[j]) })
	return out, nil
}

func (s *FileStore) ListActiveSessions(_ context.Context) ([]domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []domain.Session{}
	for _, sess := range s.sessions {
		if sess.Active {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return lessSession(out[i], out[j]) })
	return out, nil
}

func (s *FileStore) FindActiveSessionsByPhone(_ context.Context, phone string) ([]domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []domain.Session{}
	for _, sess := range s.sessions {
		if sess.Active && sess.Phone == phone {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUsed.After(out[j].LastUsed) })
	return out, nil
}

func (s *FileStore) GetSession(_ context.Context, owner int64, phone string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionKey{owner: owner, phone: phone}]
	if !ok {
		return domain.Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *FileStore) DeactivateSession(ctx context.Context, owner int64, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey{owner: owner, phone: phone}
	sess, ok := s.sessions[key]
	if !ok {
		return ErrNotFound
	}
	sess.Active = false
	s.sessions[key] = sess
	return s.saveLocked(ctx)
}

func (s *FileStore) TouchSession(ctx context.Context, owner int64, phone string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sessionKey{owner: owner, phone: phone}
	sess, ok := s.sessions[key]
	if !ok {
		return ErrNotFound
	}
	sess.LastUsed = at
	s.sessions[key] = sess
	return s.saveLocked(ctx)
}

func (s *FileStore) DeactivateIdleSessions(ctx context.Context, cutoff time.Time) ([]domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []domain.Session
	for key, sess := range s.sessions {
		if sess.Active && sess.LastUsed.Before(cutoff) {
			sess.Active = false
			s.sessions[key] = sess
			changed = append(changed, sess)
		}
	}
	if len(changed) == 0 {
		return nil, nil
	}
	sort.Slice(changed, func(i, j int) bool { return lessSession(changed[i], changed[j]) })
	return changed, s.saveLocked(ctx)
}

func (s *FileStore) SavePending(ctx context.Context, p domain.PendingRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[p.Owner] = p
	return s.saveLocked(ctx)
}

func (s *FileStore) GetPending(_ context.Context, owner int64) (domain.PendingRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pending[owner]
	if !ok {
		return domain.PendingRule{}, ErrNotFound
	}
	return p, nil
}

func (s *FileStore) ListRules(_ context.Context, owner int64) ([]domain.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []domain.Rule{}
	for _, r := range s.rules {
		if r.Owner == owner {
			out = append(out, r)
		}
	}
	sortRules(out)
	return out, nil
}

func (s *FileStore) ListActiveRules(_ context.Context) ([]domain.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []domain.Rule{}
	for _, r := range s.rules {
		if r.Active {
			out = append(out, r)
		}
	}
	sortRules(out)
	return out, nil
}

func (s *FileStore) ApplyRuleChange(ctx context.Context, change RuleChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range change.Retire {
		if _, ok := s.rules[id]; !ok {
			return fmt.Errorf("retire rule %s: %w", id, ErrNotFound)
		}
	}

	// Snapshot for rollback if the write fails.
	prevRules := make(map[string]domain.Rule, len(change.Retire)+len(change.Put))
	prevPending, hadPending := s.pending[change.Owner]
	remember := func(id string) {
		if _, seen := prevRules[id]; !seen {
			prevRules[id] = s.rules[id]
		}
	}

	for _, id := range change.Retire {
		remember(id)
		r := s.rules[id]
		r.Active = false
		s.rules[id] = r
	}
	for _, r := range change.Put {
		remember(r.ID)
		s.rules[r.ID] = r
	}
	if change.ClearPending {
		delete(s.pending, change.Owner)
	}

	if err := s.saveLocked(ctx); err != nil {
		for id, r := range prevRules {
			if r.ID == "" {
				delete(s.rules, id)
			} else {
				s.rules[id] = r
			}
		}
		if hadPending {
			s.pending[change.Owner] = prevPending
		}
		return err
	}
	return nil
}

func (s *FileStore) Ping(ctx context.Context) error {
	_, err := s.config.FileProvider.Exists(ctx, s.config.File)
	return err
}

func (s *FileStore) Close() error {
	return nil
}

func lessSession(a, b domain.Session) bool {
	if a.Owner != b.Owner {
		return a.Owner < b.Owner
	}
	return a.Phone < b.Phone
}

func sortRules(rules []domain.Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.Before(rules[j].CreatedAt)
		}
		return rules[i].ID < rules[j].ID
	})
}
