package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shineum/vaultmail/internal/config"
	"github.com/shineum/vaultmail/internal/forward"
	"github.com/shineum/vaultmail/internal/forward/graph"
	"github.com/shineum/vaultmail/internal/forward/resend"
	"github.com/shineum/vaultmail/internal/forward/ses"
	"github.com/shineum/vaultmail/internal/forward/stdout"
	"github.com/shineum/vaultmail/internal/store"
)

// openStore opens the configured backend and scopes it under the key
// prefix. The returned Sweeper is nil for backends with native expiry.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, store.Sweeper, error) {
	var backend store.Store

	switch cfg.Storage.Backend {
	case "memory":
		backend = store.NewMemory()
	case "bolt":
		b, err := store.OpenBolt(cfg.Storage.BoltPath)
		if err != nil {
			return nil, nil, fmt.Errorf("opening bolt store: %w", err)
		}
		backend = b
	case "redis":
		r, err := store.OpenRedis(ctx, cfg.Storage.RedisAddr, cfg.Storage.RedisPassword, cfg.Storage.RedisDB)
		if err != nil {
			return nil, nil, fmt.Errorf("opening redis store: %w", err)
		}
		backend = r
	case "mongo":
		m, err := store.OpenMongo(ctx, cfg.Storage.MongoURI, cfg.Storage.MongoDB)
		if err != nil {
			return nil, nil, fmt.Errorf("opening mongo store: %w", err)
		}
		backend = m
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	slog.Info("storage opened",
		"backend", cfg.Storage.Backend,
		"key_prefix", cfg.Storage.KeyPrefix,
	)

	sweeper, _ := backend.(store.Sweeper)
	return store.WithPrefix(backend, cfg.Storage.KeyPrefix), sweeper, nil
}

// selectForwarder chooses the outbound provider used for forwardTo
// settings. It returns nil when forwarding is disabled.
func selectForwarder(ctx context.Context, cfg *config.Config) (forward.Forwarder, error) {
	sender := cfg.Forward.FromEmail

	switch cfg.Forward.Provider {
	case "ses":
		slog.Info("using AWS SES forwarder",
			"region", cfg.Forward.SES.Region,
			"sender", sender,
		)
		f, err := ses.New(ctx, ses.Config{
			Region:          cfg.Forward.SES.Region,
			AccessKeyID:     cfg.Forward.SES.AccessKeyID,
			SecretAccessKey: cfg.Forward.SES.SecretAccessKey,
			Sender:          sender,
		})
		if err != nil {
			return nil, fmt.Errorf("creating SES forwarder: %w", err)
		}
		return f, nil

	case "graph":
		slog.Info("using Microsoft Graph forwarder", "sender", sender)
		return graph.New(graph.Config{
			TenantID:     cfg.Forward.Graph.TenantID,
			ClientID:     cfg.Forward.Graph.ClientID,
			ClientSecret: cfg.Forward.Graph.ClientSecret,
			Sender:       sender,
		}), nil

	case "resend":
		slog.Info("using Resend forwarder", "sender", sender)
		return resend.New(cfg.Forward.ResendAPIKey, sender), nil

	case "stdout":
		slog.Info("using stdout forwarder")
		return stdout.New(sender), nil

	case "":
		slog.Info("no forward provider configured, forwarding disabled")
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown forward provider %q", cfg.Forward.Provider)
	}
}
