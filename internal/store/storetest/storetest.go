// Package storetest holds the behavioral suite every store.Store
// implementation must pass.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/lewisedginton/telefeed/internal/domain"
	"github.com/lewisedginton/telefeed/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store. Cleanup is the factory's concern.
type Factory func(t *testing.T) store.Store

var base = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("sessions upsert and list", func(t *testing.T) { testSessions(t, newStore(t)) })
	t.Run("sessions deactivate and touch", func(t *testing.T) { testSessionLifecycle(t, newStore(t)) })
	t.Run("sessions idle cleanup", func(t *testing.T) { testIdleCleanup(t, newStore(t)) })
	t.Run("sessions by phone", func(t *testing.T) { testSessionsByPhone(t, newStore(t)) })
	t.Run("pending slot", func(t *testing.T) { testPending(t, newStore(t)) })
	t.Run("rule change", func(t *testing.T) { testRuleChange(t, newStore(t)) })
	t.Run("rule change unknown retire", func(t *testing.T) { testRuleChangeUnknown(t, newStore(t)) })
}

func session(owner int64, phone, handle string, lastUsed time.Time) domain.Session {
	return domain.Session{
		Owner:     owner,
		Phone:     phone,
		Handle:    handle,
		Active:    true,
		LastUsed:  lastUsed,
		CreatedAt: base,
	}
}

func testSessions(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.UpsertSession(ctx, session(1, "229900112233", "h1", base)))
	require.NoError(t, s.UpsertSession(ctx, session(1, "229900112244", "h2", base)))
	require.NoError(t, s.UpsertSession(ctx, session(2, "229900112255", "h3", base)))

	// Same key replaces.
	require.NoError(t, s.UpsertSession(ctx, session(1, "229900112233", "h1b", base.Add(time.Minute))))

	sessions, err := s.ListSessions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "229900112233", sessions[0].Phone)
	assert.Equal(t, "h1b", sessions[0].Handle)
	assert.True(t, sessions[0].LastUsed.Equal(base.Add(time.Minute)))

	got, err := s.GetSession(ctx, 2, "229900112255")
	require.NoError(t, err)
	assert.Equal(t, "h3", got.Handle)

	_, err = s.GetSession(ctx, 3, "229900112255")
	assert.ErrorIs(t, err, store.ErrNotFound)

	none, err := s.ListSessions(ctx, 42)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testSessionLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.UpsertSession(ctx, session(1, "229900112233", "h1", base)))
	require.NoError(t, s.UpsertSession(ctx, session(2, "229900112244", "h2", base)))

	require.NoError(t, s.DeactivateSession(ctx, 1, "229900112233"))
	assert.ErrorIs(t, s.DeactivateSession(ctx, 9, "229900112233"), store.ErrNotFound)

	active, err := s.ListActiveSessions(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, int64(2), active[0].Owner)

	later := base.Add(time.Hour)
	require.NoError(t, s.TouchSession(ctx, 2, "229900112244", later))
	got, err := s.GetSession(ctx, 2, "229900112244")
	require.NoError(t, err)
	assert.True(t, got.LastUsed.Equal(later))

	assert.ErrorIs(t, s.TouchSession(ctx, 9, "x", later), store.ErrNotFound)
}

func testIdleCleanup(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.UpsertSession(ctx, session(1, "229900112233", "old", base)))
	require.NoError(t, s.UpsertSession(ctx, session(2, "229900112244", "fresh", base.Add(10*24*time.Hour))))

	changed, err := s.DeactivateIdleSessions(ctx, base.Add(7*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, "old", changed[0].Handle)
	assert.False(t, changed[0].Active)

	again, err := s.DeactivateIdleSessions(ctx, base.Add(7*24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, again)

	active, err := s.ListActiveSessions(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "fresh", active[0].Handle)
}

func testSessionsByPhone(t *testing.T, s store.Store) {
	ctx := context.Background()

	require.NoError(t, s.UpsertSession(ctx, session(1, "229900112233", "a", base)))
	require.NoError(t, s.UpsertSession(ctx, session(2, "229900112233", "b", base.Add(time.Hour))))
	require.NoError(t, s.UpsertSession(ctx, session(3, "229900112244", "c", base)))
	require.NoError(t, s.UpsertSession(ctx, session(4, "229900112233", "d", base.Add(2*time.Hour))))
	require.NoError(t, s.DeactivateSession(ctx, 4, "229900112233"))

	found, err := s.FindActiveSessionsByPhone(ctx, "229900112233")
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "b", found[0].Handle)
	assert.Equal(t, "a", found[1].Handle)
}

func testPending(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.GetPending(ctx, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.SavePending(ctx, domain.PendingRule{Owner: 1, Name: "R1", Phone: "229900112233", CreatedAt: base}))
	require.NoError(t, s.SavePending(ctx, domain.PendingRule{Owner: 1, Name: "R2", Phone: "229900112233", CreatedAt: base}))

	p, err := s.GetPending(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "R2", p.Name)

	require.NoError(t, s.ApplyRuleChange(ctx, store.RuleChange{Owner: 1, ClearPending: true}))
	_, err = s.GetPending(ctx, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testRuleChange(t *testing.T, s store.Store) {
	ctx := context.Background()

	first := domain.Rule{
		ID: "rule-1", Owner: 1, Name: "R1", Phone: "229900112233",
		SourceID: 100, DestinationID: 200, Active: true, CreatedAt: base,
	}
	require.NoError(t, s.SavePending(ctx, domain.PendingRule{Owner: 1, Name: "R1", Phone: "229900112233", CreatedAt: base}))
	require.NoError(t, s.ApplyRuleChange(ctx, store.RuleChange{Owner: 1, Put: []domain.Rule{first}, ClearPending: true}))

	second := domain.Rule{
		ID: "rule-2", Owner: 1, Name: "R2", Phone: "229900112233",
		SourceID: 101, DestinationID: 201, Active: true, SupersededFrom: "R1",
		Filters:   domain.Filters{Blacklist: []string{"spam"}},
		CreatedAt: base.Add(time.Minute),
	}
	require.NoError(t, s.ApplyRuleChange(ctx, store.RuleChange{Owner: 1, Retire: []string{"rule-1"}, Put: []domain.Rule{second}}))

	rules, err := s.ListRules(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "rule-1", rules[0].ID)
	assert.False(t, rules[0].Active)
	assert.Equal(t, "rule-2", rules[1].ID)
	assert.True(t, rules[1].Active)
	assert.Equal(t, "R1", rules[1].SupersededFrom)
	assert.Equal(t, []string{"spam"}, rules[1].Filters.Blacklist)

	_, err = s.GetPending(ctx, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.ApplyRuleChange(ctx, store.RuleChange{Owner: 2, Put: []domain.Rule{{
		ID: "rule-3", Owner: 2, Name: "X", Phone: "229900112299",
		SourceID: 1, DestinationID: 2, Active: true, CreatedAt: base.Add(2 * time.Minute),
	}}}))

	active, err := s.ListActiveRules(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "rule-2", active[0].ID)
	assert.Equal(t, "rule-3", active[1].ID)
}

func testRuleChangeUnknown(t *testing.T, s store.Store) {
	ctx := context.Background()

	err := s.ApplyRuleChange(ctx, store.RuleChange{Owner: 1, Retire: []string{"missing"}, Put: []domain.Rule{{
		ID: "rule-x", Owner: 1, Name: "R", Phone: "229900112233", Active: true, CreatedAt: base,
	}}})
	require.ErrorIs(t, err, store.ErrNotFound)

	rules, err := s.ListRules(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, rules)
}
