package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	appErrors "github.com/noah-isme/clinic-auth-api/pkg/errors"
)

type failingCacheRepo struct {
	getErr  error
	setTTLs []time.Duration
}

func (r *failingCacheRepo) Get(ctx context.Context, key string, dest interface{}) error {
	return r.getErr
}

func (r *failingCacheRepo) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	r.setTTLs = append(r.setTTLs, ttl)
	return nil
}

func (r *failingCacheRepo) Delete(ctx context.Context, keys ...string) error {
	return errors.New("redis down")
}

func TestCacheServiceTreatsErrorsAsMisses(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	metrics := NewMetricsService()
	repo := &failingCacheRepo{getErr: errors.New("redis down")}
	svc := NewCacheService(repo, metrics, 0, zap.New(core), true)

	var dest map[string]string
	assert.False(t, svc.Get(context.Background(), "principal:u1", &dest))
	assert.Equal(t, 1, logs.FilterMessage("cache get failed").Len())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.cacheMisses))

	repo.getErr = appErrors.ErrCacheMiss
	assert.False(t, svc.Get(context.Background(), "principal:u1", &dest))
	assert.Equal(t, 1, logs.FilterMessage("cache get failed").Len())

	svc.Invalidate(context.Background(), "principal:u1")
	assert.Equal(t, 1, logs.FilterMessage("cache invalidate failed").Len())
}

func TestCacheServiceDefaultTTL(t *testing.T) {
	repo := &failingCacheRepo{}
	svc := NewCacheService(repo, nil, 0, nil, true)

	svc.Set(context.Background(), "k", "v", 0)
	svc.Set(context.Background(), "k", "v", time.Minute)
	assert.Equal(t, []time.Duration{30 * time.Second, time.Minute}, repo.setTTLs)
}

func TestCacheServiceDisabled(t *testing.T) {
	repo := &failingCacheRepo{}
	svc := NewCacheService(repo, nil, time.Second, nil, false)

	assert.False(t, svc.Enabled())
	svc.Set(context.Background(), "k", "v", 0)
	assert.Empty(t, repo.setTTLs)

	var nilSvc *CacheService
	assert.False(t, nilSvc.Enabled())
}
