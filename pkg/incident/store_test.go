package incident

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "incidents.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func reportAt(t *testing.T, store *Store, title string, at time.Time) *Incident {
	t.Helper()
	inc := New(title, "details", UrgencyMedium)
	inc.ReportedAt = at
	require.NoError(t, store.Create(context.Background(), inc))
	return inc
}

func TestCreateAndGet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	inc := &Incident{
		Title:       "Broken streetlight",
		Description: "Corner of 5th and Elm",
		Category:    "lighting",
		Urgency:     UrgencyHigh,
		PhotoURI:    "file:///photos/1.jpg",
		Latitude:    40.41678,
		Longitude:   -3.70379,
		Synced:      true,
	}
	require.NoError(t, store.Create(ctx, inc))
	assert.NotEmpty(t, inc.ID, "ID is assigned")
	assert.False(t, inc.ReportedAt.IsZero(), "report time is assigned")
	assert.False(t, inc.Synced, "new incidents start pending")

	got, err := store.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, inc.Title, got.Title)
	assert.Equal(t, inc.Category, got.Category)
	assert.Equal(t, inc.PhotoURI, got.PhotoURI)
	assert.InDelta(t, inc.Latitude, got.Latitude, 1e-9)
	assert.Equal(t, inc.ReportedAt.UnixMilli(), got.ReportedAt.UnixMilli())
	assert.False(t, got.Synced)
}

func TestCreateRejectsInvalid(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name string
		inc  *Incident
	}{
		{name: "missing title", inc: New("  ", "desc", UrgencyLow)},
		{name: "unknown urgency", inc: New("Flood", "desc", "critical")},
		{name: "latitude out of range", inc: func() *Incident {
			inc := New("Flood", "desc", UrgencyLow)
			inc.Latitude = 95
			return inc
		}()},
		{name: "malformed id", inc: func() *Incident {
			inc := New("Flood", "desc", UrgencyLow)
			inc.ID = "not-a-uuid"
			return inc
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, store.Create(ctx, tt.inc))
		})
	}

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestNewNormalizesInput(t *testing.T) {
	inc := New("  Graffiti ", " wall ", " HIGH ")
	assert.Equal(t, "Graffiti", inc.Title)
	assert.Equal(t, "wall", inc.Description)
	assert.Equal(t, UrgencyHigh, inc.Urgency)
	assert.NoError(t, inc.Validate())
	assert.Len(t, inc.ShortID(), 8)
}

func TestListOrdering(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	first := reportAt(t, store, "first", base)
	second := reportAt(t, store, "second", base.Add(time.Minute))
	third := reportAt(t, store, "third", base.Add(2*time.Minute))

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{third.ID, second.ID, first.ID}, ids(all), "newest first")

	pending, err := store.ListPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{first.ID, second.ID, third.ID}, ids(pending), "oldest first")
}

func TestPendingSyncFlow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()

	a := reportAt(t, store, "a", base)
	b := reportAt(t, store, "b", base.Add(time.Second))

	require.NoError(t, store.MarkSynced(ctx, a.ID))
	pending, err := store.ListPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, ids(pending))

	got, err := store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Synced)

	assert.ErrorIs(t, store.MarkSynced(ctx, "00000000-0000-0000-0000-000000000000"), ErrNotFound)
}

func TestUpdate(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	inc := reportAt(t, store, "Fallen tree", time.Now().UTC())

	inc.Title = "Fallen tree blocking road"
	inc.Urgency = UrgencyHigh
	inc.Synced = true
	require.NoError(t, store.Update(ctx, inc))

	got, err := store.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, "Fallen tree blocking road", got.Title)
	assert.Equal(t, UrgencyHigh, got.Urgency)
	assert.True(t, got.Synced)

	missing := New("ghost", "", UrgencyLow)
	assert.ErrorIs(t, store.Update(ctx, missing), ErrNotFound)

	inc.Urgency = "whenever"
	assert.Error(t, store.Update(ctx, inc))
}

func TestDelete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	inc := reportAt(t, store, "Noise", time.Now().UTC())

	require.NoError(t, store.Delete(ctx, inc.ID))
	_, err := store.Get(ctx, inc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, inc.ID), ErrNotFound)
}

func TestResolvePrefix(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	a := New("a", "", UrgencyLow)
	a.ID = "aaaa1111-0000-4000-8000-000000000001"
	b := New("b", "", UrgencyLow)
	b.ID = "aaaa2222-0000-4000-8000-000000000002"
	require.NoError(t, store.Create(ctx, a))
	require.NoError(t, store.Create(ctx, b))

	got, err := store.Resolve(ctx, "aaaa1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	got, err = store.Resolve(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.ID)

	_, err = store.Resolve(ctx, "aaaa")
	assert.ErrorIs(t, err, ErrAmbiguousID)

	_, err = store.Resolve(ctx, "%")
	assert.ErrorIs(t, err, ErrNotFound, "LIKE wildcards are literal")

	_, err = store.Resolve(ctx, "  ")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReplaceSynced(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	pending := reportAt(t, store, "pending", now)
	stale := reportAt(t, store, "stale", now.Add(time.Second))
	require.NoError(t, store.MarkSynced(ctx, stale.ID))

	fresh := New("from control center", "", UrgencyHigh)
	require.NoError(t, store.ReplaceSynced(ctx, []*Incident{fresh}))
	assert.True(t, fresh.Synced)

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{pending.ID, fresh.ID}, ids(all))

	// An invalid copy aborts the whole replacement
	bad := New("", "", UrgencyLow)
	assert.Error(t, store.ReplaceSynced(ctx, []*Incident{bad}))
	all, err = store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSummary(t *testing.T) {
	inc := New("Water leak", "Hydrant on Pine St", UrgencyHigh)
	inc.ID = "1234abcd-0000-4000-8000-000000000000"
	inc.Category = "water"
	assert.Equal(t, "[INCIDENT 1234abcd] Water leak (urgency: high) [water]: Hydrant on Pine St", inc.Summary())

	inc.Description = ""
	inc.Category = ""
	inc.Latitude, inc.Longitude = 1.5, -2.25
	assert.Equal(t, "[INCIDENT 1234abcd] Water leak (urgency: high) @ 1.50000,-2.25000", inc.Summary())
}

func TestNewStoreSharesDatabase(t *testing.T) {
	owner := openTestStore(t)
	shared, err := NewStore(owner.db)
	require.NoError(t, err)

	inc := New("shared", "", UrgencyLow)
	require.NoError(t, shared.Create(context.Background(), inc))
	require.NoError(t, shared.Close(), "borrowed database stays open")

	_, err = owner.Get(context.Background(), inc.ID)
	assert.NoError(t, err)
}

func ids(incidents []*Incident) []string {
	out := make([]string, len(incidents))
	for i, inc := range incidents {
		out[i] = inc.ID
	}
	return out
}
