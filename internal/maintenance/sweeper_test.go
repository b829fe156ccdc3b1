package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bsm/redislock"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/richG-ops/chattyai-backend-clean-sub000/internal/queue"
)

type fakeDepthStore struct{}

func (fakeDepthStore) Depth(ctx context.Context, queue string) (int64, error) { return 0, nil }

type capturePruner struct {
	cutoffs []time.Time
}

func (p *capturePruner) PruneNotificationLog(ctx context.Context, cutoff time.Time) (int64, error) {
	p.cutoffs = append(p.cutoffs, cutoff)
	return 0, nil
}

func newTestSweeper(t *testing.T, pruner Pruner) (*Sweeper, *redislock.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	locker := redislock.New(rdb)
	return NewSweeper(locker, fakeDepthStore{}, pruner, nil, queue.DefaultQueues(), zap.NewNop()), locker
}

func TestPrunesWithThirtyDayCutoff(t *testing.T) {
	pruner := &capturePruner{}
	s, _ := newTestSweeper(t, pruner)

	s.pruneNotificationLog(context.Background())

	if len(pruner.cutoffs) != 1 {
		t.Fatalf("prune calls = %d, want 1", len(pruner.cutoffs))
	}
	want := time.Now().Add(-30 * 24 * time.Hour)
	got := pruner.cutoffs[0]
	if got.Before(want.Add(-time.Minute)) || got.After(want.Add(time.Minute)) {
		t.Fatalf("cutoff = %v, want about 30 days ago", got)
	}
}

func TestPruneSkipsWhenLockHeld(t *testing.T) {
	pruner := &capturePruner{}
	s, locker := newTestSweeper(t, pruner)

	ctx := context.Background()
	lock, err := locker.Obtain(ctx, pruneLockKey, time.Minute, nil)
	if err != nil {
		t.Fatalf("obtain lock: %v", err)
	}
	defer func() { _ = lock.Release(ctx) }()

	s.pruneNotificationLog(ctx)

	if len(pruner.cutoffs) != 0 {
		t.Fatal("prune must not run while another instance holds the lock")
	}
}
