package regsso

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/regsso/regsso/store"
)

func newRedisTestEngine(t *testing.T) (*Engine, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := DefaultConfig()
	cfg.Store.Redis = &RedisStoreConfig{Addr: mr.Addr()}

	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithIdentityProvider(staticIdentityProvider{}).
		WithLogger(discardLogger()).
		Build(context.Background())
	if err != nil {
		mr.Close()
		t.Fatalf("Build failed: %v", err)
	}

	return engine, func() {
		rdb.Close()
		mr.Close()
	}
}

func TestBuildMemoryAdapterFromConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Memory = &MemoryStoreConfig{}

	engine, err := New().
		WithConfig(cfg).
		WithIdentityProvider(staticIdentityProvider{}).
		WithLogger(discardLogger()).
		Build(context.Background())
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if _, err := engine.CreatePendingAuthentication(context.Background()); err != nil {
		t.Fatalf("engine not usable: %v", err)
	}
}

func TestBuildRequiresExactlyOneAdapter(t *testing.T) {
	cases := []struct {
		name string
		cfg  func() Config
		want string
	}{
		{
			name: "none",
			cfg:  DefaultConfig,
			want: "no store adapter",
		},
		{
			name: "both",
			cfg: func() Config {
				cfg := DefaultConfig()
				cfg.Store.Memory = &MemoryStoreConfig{}
				cfg.Store.Redis = &RedisStoreConfig{Addr: "localhost:6379"}
				return cfg
			},
			want: "more than one store adapter",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New().
				WithConfig(tc.cfg()).
				WithIdentityProvider(staticIdentityProvider{}).
				WithLogger(discardLogger()).
				Build(context.Background())
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q error, got %v", tc.want, err)
			}
		})
	}
}

func TestBuilderIsSingleUse(t *testing.T) {
	b := New().
		WithAdapter(store.NewMemoryAdapter()).
		WithIdentityProvider(staticIdentityProvider{}).
		WithLogger(discardLogger())

	if _, err := b.Build(context.Background()); err != nil {
		t.Fatalf("first Build failed: %v", err)
	}
	if _, err := b.Build(context.Background()); err == nil {
		t.Fatal("second Build should fail")
	}
}

func TestBuildBootsAdapter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Store.Redis = &RedisStoreConfig{Addr: "127.0.0.1:1"}

	_, err := New().
		WithConfig(cfg).
		WithIdentityProvider(staticIdentityProvider{}).
		WithLogger(discardLogger()).
		Build(context.Background())
	if err == nil {
		t.Fatal("Build should fail when the store is unreachable")
	}
}
