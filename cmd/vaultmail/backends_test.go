package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shineum/vaultmail/internal/config"
	"github.com/shineum/vaultmail/internal/store"
)

func TestOpenStore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		backend     string
		wantSweeper bool
		wantErr     bool
	}{
		{"memory", "memory", true, false},
		{"bolt", "bolt", true, false},
		{"unknown", "cassandra", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &config.Config{}
			cfg.Storage.Backend = tt.backend
			cfg.Storage.BoltPath = filepath.Join(t.TempDir(), "vaultmail.db")
			cfg.Storage.KeyPrefix = "test"

			st, sweeper, err := openStore(context.Background(), cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("openStore() error = %v", err)
			}
			defer st.Close()

			if got := sweeper != nil; got != tt.wantSweeper {
				t.Errorf("sweeper present = %v, want %v", got, tt.wantSweeper)
			}
			if _, ok := st.(*store.Prefixed); !ok {
				t.Errorf("store type = %T, want *store.Prefixed", st)
			}
		})
	}
}

func TestSelectForwarder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		provider string
		wantName string
		wantErr  bool
	}{
		{"", "", false},
		{"stdout", "stdout", false},
		{"resend", "resend", false},
		{"graph", "msgraph", false},
		{"pigeon", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			t.Parallel()
			cfg := &config.Config{}
			cfg.Forward.Provider = tt.provider
			cfg.Forward.FromEmail = "noreply@vaultmail.test"
			cfg.Forward.ResendAPIKey = "re_test"
			cfg.Forward.Graph = config.GraphConfig{TenantID: "t", ClientID: "c", ClientSecret: "s"}

			f, err := selectForwarder(context.Background(), cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("selectForwarder() error = %v", err)
			}
			if tt.wantName == "" {
				if f != nil {
					t.Errorf("forwarder = %v, want nil", f)
				}
				return
			}
			if f.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", f.Name(), tt.wantName)
			}
		})
	}
}
