package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgsession/internal/entities"
	"tgsession/internal/infrastructure"
	"tgsession/internal/interfaces"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func newActiveCredential(tenantID string, created time.Time) *entities.BotCredential {
	c := entities.NewCredential(tenantID, entities.KindMTProto, 5, 2, created)
	c.APIID = 12345
	c.APIHash = "0123456789abcdef0123456789abcdef"
	c.Phone = "+15551234567"
	c.SessionData = "session-blob"
	c.Status = entities.StatusActive
	c.Verified = true
	return c
}

func storeBackends(t *testing.T) map[string]func(t *testing.T) interfaces.Store {
	return map[string]func(t *testing.T) interfaces.Store{
		"memory": func(t *testing.T) interfaces.Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) interfaces.Store {
			db, err := infrastructure.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "store.db"))
			require.NoError(t, err)
			box, err := infrastructure.NewSecretBox(testKey)
			require.NoError(t, err)
			store := NewSQLiteStore(db, box)
			t.Cleanup(store.Close)
			return store
		},
	}
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for name, newStore := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("get missing credential returns not found", func(t *testing.T) {
				store := newStore(t)
				_, err := store.Get(ctx, "nobody")
				assert.ErrorIs(t, err, entities.ErrNotFound)
			})

			t.Run("insert then get round-trips secrets", func(t *testing.T) {
				store := newStore(t)
				cred := newActiveCredential("t1", now)
				require.NoError(t, store.Upsert(ctx, cred))
				assert.Equal(t, int64(1), cred.Version)

				got, err := store.Get(ctx, "t1")
				require.NoError(t, err)
				assert.Equal(t, entities.StatusActive, got.Status)
				assert.True(t, got.Verified)
				assert.True(t, got.Enabled)
				assert.Equal(t, "0123456789abcdef0123456789abcdef", got.APIHash)
				assert.Equal(t, "session-blob", got.SessionData)
				assert.Equal(t, int64(1), got.Version)
				assert.Nil(t, got.SuspensionReason)
				assert.True(t, now.Equal(got.CreatedAt))
			})

			t.Run("stale version is rejected", func(t *testing.T) {
				store := newStore(t)
				cred := newActiveCredential("t1", now)
				require.NoError(t, store.Upsert(ctx, cred))

				first, err := store.Get(ctx, "t1")
				require.NoError(t, err)
				second, err := store.Get(ctx, "t1")
				require.NoError(t, err)

				require.NoError(t, first.Apply(entities.Event{Type: entities.EventSuspended, Reason: "abuse"}, now))
				require.NoError(t, store.Upsert(ctx, first))
				assert.Equal(t, int64(2), first.Version)

				require.NoError(t, second.Apply(entities.Event{Type: entities.EventThrottled}, now))
				err = store.Upsert(ctx, second)
				assert.ErrorIs(t, err, entities.ErrConflict)

				got, err := store.Get(ctx, "t1")
				require.NoError(t, err)
				assert.Equal(t, entities.StatusSuspended, got.Status)
				require.NotNil(t, got.SuspensionReason)
				assert.Equal(t, "abuse", *got.SuspensionReason)
			})

			t.Run("second insert conflicts", func(t *testing.T) {
				store := newStore(t)
				require.NoError(t, store.Upsert(ctx, newActiveCredential("t1", now)))
				err := store.Upsert(ctx, newActiveCredential("t1", now))
				assert.ErrorIs(t, err, entities.ErrConflict)
			})

			t.Run("suspension reason must match status", func(t *testing.T) {
				store := newStore(t)
				cred := newActiveCredential("t1", now)
				reason := "left over"
				cred.SuspensionReason = &reason
				err := store.Upsert(ctx, cred)
				assert.ErrorIs(t, err, entities.ErrValidation)
			})

			t.Run("record usage is atomic and survives upserts", func(t *testing.T) {
				store := newStore(t)
				cred := newActiveCredential("t1", now)
				require.NoError(t, store.Upsert(ctx, cred))

				var wg sync.WaitGroup
				for i := 0; i < 20; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						assert.NoError(t, store.RecordUsage(ctx, "t1", now.Add(time.Second)))
					}()
				}
				wg.Wait()

				got, err := store.Get(ctx, "t1")
				require.NoError(t, err)
				assert.Equal(t, int64(20), got.TotalRequests)
				require.NotNil(t, got.LastUsedAt)

				got.RateLimitRPS = 10
				require.NoError(t, store.Upsert(ctx, got))
				again, err := store.Get(ctx, "t1")
				require.NoError(t, err)
				assert.Equal(t, int64(20), again.TotalRequests)
				assert.Equal(t, 10.0, again.RateLimitRPS)
			})

			t.Run("record usage for missing tenant", func(t *testing.T) {
				store := newStore(t)
				err := store.RecordUsage(ctx, "ghost", now)
				assert.ErrorIs(t, err, entities.ErrNotFound)
			})

			t.Run("delete removes overrides too", func(t *testing.T) {
				store := newStore(t)
				require.NoError(t, store.Upsert(ctx, newActiveCredential("t1", now)))
				require.NoError(t, store.UpsertOverride(ctx, entities.ChannelOverride{TenantID: "t1", ChannelID: "c1", Enabled: false, UpdatedAt: now}))

				require.NoError(t, store.Delete(ctx, "t1"))

				_, err := store.Get(ctx, "t1")
				assert.ErrorIs(t, err, entities.ErrNotFound)
				o, err := store.GetOverride(ctx, "t1", "c1")
				require.NoError(t, err)
				assert.True(t, o.IsAbsent())
				assert.NoError(t, store.Delete(ctx, "t1"))
			})

			t.Run("override upsert replaces", func(t *testing.T) {
				store := newStore(t)
				require.NoError(t, store.UpsertOverride(ctx, entities.ChannelOverride{TenantID: "t1", ChannelID: "c1", Enabled: false, UpdatedAt: now}))
				require.NoError(t, store.UpsertOverride(ctx, entities.ChannelOverride{TenantID: "t1", ChannelID: "c1", Enabled: true, UpdatedAt: now.Add(time.Minute)}))
				require.NoError(t, store.UpsertOverride(ctx, entities.ChannelOverride{TenantID: "t1", ChannelID: "a0", Enabled: false, UpdatedAt: now}))

				o, err := store.GetOverride(ctx, "t1", "c1")
				require.NoError(t, err)
				got, ok := o.Get()
				require.True(t, ok)
				assert.True(t, got.Enabled)

				list, err := store.ListOverrides(ctx, "t1")
				require.NoError(t, err)
				require.Len(t, list, 2)
				assert.Equal(t, "a0", list[0].ChannelID)
				assert.Equal(t, "c1", list[1].ChannelID)
			})

			t.Run("list filters and paginates", func(t *testing.T) {
				store := newStore(t)
				for i := 0; i < 5; i++ {
					cred := newActiveCredential(fmt.Sprintf("t%d", i), now.Add(time.Duration(i)*time.Minute))
					if i%2 == 1 {
						cred.Status = entities.StatusPending
						cred.Verified = false
					}
					require.NoError(t, store.Upsert(ctx, cred))
				}

				page, total, err := store.List(ctx, entities.CredentialFilter{}, 2, 1)
				require.NoError(t, err)
				assert.Equal(t, 5, total)
				require.Len(t, page, 2)
				assert.Equal(t, "t1", page[0].TenantID)
				assert.Equal(t, "t2", page[1].TenantID)

				verified := true
				page, total, err = store.List(ctx, entities.CredentialFilter{Status: entities.StatusActive, Verified: &verified}, 10, 0)
				require.NoError(t, err)
				assert.Equal(t, 3, total)
				assert.Len(t, page, 3)

				page, total, err = store.List(ctx, entities.CredentialFilter{}, 10, 50)
				require.NoError(t, err)
				assert.Equal(t, 5, total)
				assert.Empty(t, page)

				counts, err := store.CountByStatus(ctx)
				require.NoError(t, err)
				assert.Equal(t, 3, counts[entities.StatusActive])
				assert.Equal(t, 2, counts[entities.StatusPending])
			})
		})
	}
}

func TestSQLiteStoreEncryptsSecrets(t *testing.T) {
	ctx := context.Background()
	db, err := infrastructure.OpenSQLite(ctx, filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	defer db.Close()

	box, err := infrastructure.NewSecretBox(testKey)
	require.NoError(t, err)
	store := NewSQLiteStore(db, box)
	require.NoError(t, store.Upsert(ctx, newActiveCredential("t1", time.Now())))

	var raw string
	require.NoError(t, db.QueryRowContext(ctx, "SELECT session_data FROM bot_credentials WHERE tenant_id = ?", "t1").Scan(&raw))
	assert.NotEqual(t, "session-blob", raw)
	assert.Contains(t, raw, "sb1:")
}
