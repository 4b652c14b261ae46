package regsso

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/regsso/regsso/oidc"
	"github.com/regsso/regsso/store"
)

// Builder assembles an [Engine]. Zero values are filled from the config:
// the store adapter comes from the Store section and the identity provider
// from the OIDC section unless explicit instances are supplied, which is how
// tests inject fakes.
type Builder struct {
	config  Config
	logger  *slog.Logger
	redis   redis.UniversalClient
	adapter store.Adapter
	idp     IdentityProvider
	built   bool
}

// New starts a builder over [DefaultConfig].
func New() *Builder {
	return &Builder{config: DefaultConfig()}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cfg
	return b
}

// WithLogger sets the logger shared by the engine and its adapter.
func (b *Builder) WithLogger(logger *slog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithRedis supplies an existing Redis client for the Redis adapter instead
// of letting Build dial one from the config. The client's lifecycle stays
// with the caller.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithAdapter bypasses config-driven adapter selection entirely.
func (b *Builder) WithAdapter(adapter store.Adapter) *Builder {
	b.adapter = adapter
	return b
}

// WithIdentityProvider bypasses OIDC client construction entirely.
func (b *Builder) WithIdentityProvider(idp IdentityProvider) *Builder {
	b.idp = idp
	return b
}

// Build wires and boots the engine. A builder is single-use.
func (b *Builder) Build(ctx context.Context) (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	b.built = true

	logger := b.logger
	if logger == nil {
		logger = slog.Default()
	}

	adapter := b.adapter
	if adapter == nil {
		var err error
		adapter, err = b.adapterFromConfig()
		if err != nil {
			return nil, err
		}
	}
	if err := adapter.Boot(ctx); err != nil {
		return nil, fmt.Errorf("boot store adapter: %w", err)
	}

	idp := b.idp
	if idp == nil {
		client, err := oidc.NewClient(ctx, oidc.Config{
			IssuerURL:    b.config.OIDC.IssuerURL,
			ClientID:     b.config.OIDC.ClientID,
			ClientSecret: b.config.OIDC.ClientSecret,
			Scopes:       b.config.OIDC.Scopes,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("build OIDC client: %w", err)
		}
		idp = client
	}

	return &Engine{
		adapter: adapter,
		idp:     idp,
		logger:  logger,
	}, nil
}

func (b *Builder) adapterFromConfig() (store.Adapter, error) {
	memory, redisCfg := b.config.Store.Memory, b.config.Store.Redis

	switch {
	case memory == nil && redisCfg == nil:
		return nil, errors.New("no store adapter configured: enable exactly one of store.memory, store.redis")
	case memory != nil && redisCfg != nil:
		return nil, errors.New("more than one store adapter configured: enable exactly one of store.memory, store.redis")
	case memory != nil:
		return store.NewMemoryAdapter(), nil
	default:
		client := b.redis
		if client == nil {
			client = redis.NewClient(&redis.Options{
				Addr:     redisCfg.Addr,
				Password: redisCfg.Password,
				DB:       redisCfg.DB,
			})
		}
		return store.NewRedisAdapter(client, store.RedisAdapterConfig{
			Prefix:    redisCfg.Prefix,
			RecordTTL: redisCfg.RecordTTL.Std(),
		}), nil
	}
}
