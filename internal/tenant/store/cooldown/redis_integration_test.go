//go:build integration

package cooldown_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"tenancy/internal/tenant/store/cooldown"
	"tenancy/pkg/testutil/containers"
)

type RedisCooldownSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *cooldown.Redis
}

func TestRedisCooldownSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisCooldownSuite))
}

func (s *RedisCooldownSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	s.store = cooldown.NewRedis(s.redis.Client)
}

func (s *RedisCooldownSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisCooldownSuite) TestSecondAcquireRefusedUntilExpiry() {
	ctx := context.Background()

	ok, err := s.store.Acquire(ctx, "resend:a@acme.io", 500*time.Millisecond)
	s.Require().NoError(err)
	s.True(ok)

	ok, err = s.store.Acquire(ctx, "resend:a@acme.io", 500*time.Millisecond)
	s.Require().NoError(err)
	s.False(ok)

	s.Eventually(func() bool {
		ok, err := s.store.Acquire(ctx, "resend:a@acme.io", 500*time.Millisecond)
		return err == nil && ok
	}, 3*time.Second, 100*time.Millisecond)
}

func (s *RedisCooldownSuite) TestConcurrentAcquireGrantsOnce() {
	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.store.Acquire(context.Background(), "race", time.Minute)
			if err == nil && ok {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()
	s.Equal(int32(1), granted.Load())
}

func (s *RedisCooldownSuite) TestBackingRedisHealthy() {
	s.NoError(s.redis.Health(context.Background()))
}
