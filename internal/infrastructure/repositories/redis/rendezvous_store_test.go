package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"chatcall/internal/core/domain"
	"chatcall/internal/core/ports"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*RedisRendezvousStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	require.NoError(t, Migrate(context.Background(), client, "test:", nil))
	return NewRedisRendezvousStore(client, "test:", 50*time.Millisecond, zap.NewNop().Sugar()), mr
}

type recorder struct {
	mu        sync.Mutex
	snapshots []ports.Snapshot
}

func (r *recorder) handle(s ports.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, s)
}

func (r *recorder) all() []ports.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ports.Snapshot(nil), r.snapshots...)
}

func (r *recorder) waitFor(t *testing.T, n int) []ports.Snapshot {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.all()) >= n }, 2*time.Second, 10*time.Millisecond)
	return r.all()
}

func TestMigrate_SetsSchemaVersion(t *testing.T) {
	_, mr := newTestStore(t)

	version, err := mr.Get("test:schema:version")
	require.NoError(t, err)
	assert.Equal(t, "1", version)
	assert.True(t, mr.Exists("test:seq"))
}

func TestRedisRendezvousStore_CreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)

	id, err := store.CreateRecord(ctx, "calls", domain.Fields{
		"status":       "calling",
		"participants": []string{"alice"},
		"createdAt":    int64(1700000000123),
	})
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:rec:calls:"+id))

	rec, err := store.GetRecord(ctx, "calls", id)
	require.NoError(t, err)
	assert.Equal(t, "calling", rec.Fields["status"])
	assert.Equal(t, int64(1700000000123), rec.Fields["createdAt"])
	assert.Equal(t, []interface{}{"alice"}, rec.Fields["participants"])

	require.NoError(t, store.UpdateRecord(ctx, "calls", id, domain.Fields{
		"status":       "active",
		"participants": []string{"alice", "bob"},
	}))
	rec, err = store.GetRecord(ctx, "calls", id)
	require.NoError(t, err)
	assert.Equal(t, "active", rec.Fields["status"])
	assert.Equal(t, []interface{}{"alice", "bob"}, rec.Fields["participants"])
	assert.Equal(t, int64(1700000000123), rec.Fields["createdAt"])

	err = store.UpdateRecord(ctx, "calls", "missing", domain.Fields{"status": "active"})
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)

	_, err = store.GetRecord(ctx, "calls", "missing")
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func TestRedisRendezvousStore_UpdateRecordIf(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	id, err := store.CreateRecord(ctx, "calls", domain.Fields{"status": "calling", "createdAt": 1})
	require.NoError(t, err)
	require.NoError(t, store.UpdateRecord(ctx, "calls", id, domain.Fields{"status": "ended"}))

	err = store.UpdateRecordIf(ctx, "calls", id, domain.Fields{"status": "rejected"}, domain.RequireTransition(domain.CallStatusRejected))
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	rec, err := store.GetRecord(ctx, "calls", id)
	require.NoError(t, err)
	assert.Equal(t, "ended", rec.Fields["status"])
	assert.Equal(t, int64(1), rec.Fields["createdAt"])

	other, err := store.CreateRecord(ctx, "calls", domain.Fields{"status": "calling"})
	require.NoError(t, err)
	require.NoError(t, store.UpdateRecordIf(ctx, "calls", other, domain.Fields{"status": "rejected"}, domain.RequireTransition(domain.CallStatusRejected)))

	rec, err = store.GetRecord(ctx, "calls", other)
	require.NoError(t, err)
	assert.Equal(t, "rejected", rec.Fields["status"])

	err = store.UpdateRecordIf(ctx, "calls", "missing", domain.Fields{"status": "rejected"}, nil)
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func TestRedisRendezvousStore_SubscribeInitialThenChanges(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	first, err := store.CreateRecord(ctx, "calls", domain.Fields{"conversationId": "c1", "status": "calling", "createdAt": 1})
	require.NoError(t, err)
	_, err = store.CreateRecord(ctx, "calls", domain.Fields{"conversationId": "c2", "status": "calling", "createdAt": 2})
	require.NoError(t, err)

	rec := &recorder{}
	q := ports.Query{Collection: "calls", OrderBy: "createdAt"}.
		Where("conversationId", ports.OpEqual, "c1").
		Where("status", ports.OpEqual, "calling")
	sub, err := store.Subscribe(ctx, q, rec.handle)
	require.NoError(t, err)
	defer sub.Cancel()

	snaps := rec.waitFor(t, 1)
	require.Len(t, snaps[0].Records, 1)
	assert.Equal(t, first, snaps[0].Records[0].ID)
	require.Len(t, snaps[0].Changes, 1)
	assert.Equal(t, ports.ChangeAdded, snaps[0].Changes[0].Type)

	second, err := store.CreateRecord(ctx, "calls", domain.Fields{"conversationId": "c1", "status": "calling", "createdAt": 3})
	require.NoError(t, err)
	require.NoError(t, store.UpdateRecord(ctx, "calls", first, domain.Fields{"status": "rejected"}))

	snaps = rec.waitFor(t, 3)
	require.Len(t, snaps, 3)
	assert.Equal(t, ports.ChangeAdded, snaps[1].Changes[0].Type)
	assert.Equal(t, second, snaps[1].Changes[0].Record.ID)
	require.Len(t, snaps[1].Records, 2)
	assert.Equal(t, first, snaps[1].Records[0].ID)

	assert.Equal(t, ports.ChangeRemoved, snaps[2].Changes[0].Type)
	assert.Equal(t, first, snaps[2].Changes[0].Record.ID)
	require.Len(t, snaps[2].Records, 1)
	assert.Equal(t, second, snaps[2].Records[0].ID)
}

func TestRedisRendezvousStore_CandidateOrdering(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	collection := domain.CandidatesPath("call1", domain.RoleCaller)

	rec := &recorder{}
	sub, err := store.Subscribe(ctx, ports.Query{Collection: collection, OrderBy: "createdAt"}, rec.handle)
	require.NoError(t, err)
	defer sub.Cancel()
	rec.waitFor(t, 1)

	for i := 1; i <= 5; i++ {
		_, err := store.CreateRecord(ctx, collection, domain.Fields{"candidate": "c", "createdAt": int64(i)})
		require.NoError(t, err)
	}

	snaps := rec.waitFor(t, 6)
	for i := 1; i <= 5; i++ {
		require.Len(t, snaps[i].Changes, 1)
		assert.Equal(t, ports.ChangeAdded, snaps[i].Changes[0].Type)
		assert.Equal(t, int64(i), snaps[i].Changes[0].Record.Fields["createdAt"])
	}
}

func TestRedisRendezvousStore_CancelStopsDeliveries(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	rec := &recorder{}
	sub, err := store.Subscribe(ctx, ports.Query{Collection: "calls"}, rec.handle)
	require.NoError(t, err)
	rec.waitFor(t, 1)

	sub.Cancel()
	_, err = store.CreateRecord(ctx, "calls", domain.Fields{"status": "calling"})
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	assert.Len(t, rec.all(), 1)
}

func TestRedisRendezvousStore_Ping(t *testing.T) {
	store, mr := newTestStore(t)
	assert.NoError(t, store.Ping(context.Background()))

	mr.Close()
	assert.Error(t, store.Ping(context.Background()))
}
