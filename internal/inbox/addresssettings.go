package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/shineum/vaultmail/internal/email"
	"github.com/shineum/vaultmail/internal/settings"
	"github.com/shineum/vaultmail/internal/store"
)

// AddressSettingsTTL keeps per-address settings around after last use.
const AddressSettingsTTL = 7 * 24 * time.Hour

var (
	ErrNoSettings       = errors.New("no settings to update")
	ErrInvalidRetention = errors.New("invalid retention")
	ErrInvalidForwardTo = errors.New("invalid forward address")
	ErrMissingAddress   = errors.New("missing address")
)

// AddressSettings are chosen by the owner of a temporary address.
type AddressSettings struct {
	RetentionSeconds int    `json:"retentionSeconds,omitempty"`
	ForwardTo        string `json:"forwardTo,omitempty"`
}

// SettingsUpdate holds the fields to change. Nil fields are kept. An
// empty ForwardTo removes forwarding.
type SettingsUpdate struct {
	RetentionSeconds *int
	ForwardTo        *string
}

// normalizeAddress accepts "Name <addr>" forms as well as bare addresses.
func normalizeAddress(address string) string {
	if addr, ok := email.ExtractAddress(address); ok {
		return addr
	}
	return store.NormalizeAddress(address)
}

// AddressSettings returns the settings of address, empty when unset.
func (s *Service) AddressSettings(ctx context.Context, address string) (AddressSettings, error) {
	key := store.AddressSettingsKey(normalizeAddress(address))
	raw, ok, err := s.store.Get(ctx, key)
	if err != nil || !ok {
		return AddressSettings{}, err
	}
	var as AddressSettings
	if err := json.Unmarshal(raw, &as); err != nil {
		slog.Warn("ignoring unreadable address settings", "key", key, "error", err)
		return AddressSettings{}, nil
	}
	return as, nil
}

// UpdateAddressSettings merges upd into the stored settings. When the
// retention changes, an existing inbox picks up the new TTL immediately.
func (s *Service) UpdateAddressSettings(ctx context.Context, address string, upd SettingsUpdate) (AddressSettings, error) {
	if strings.TrimSpace(address) == "" {
		return AddressSettings{}, ErrMissingAddress
	}
	if upd.RetentionSeconds == nil && upd.ForwardTo == nil {
		return AddressSettings{}, ErrNoSettings
	}
	addr := normalizeAddress(address)

	current, err := s.AddressSettings(ctx, addr)
	if err != nil {
		return AddressSettings{}, err
	}

	if upd.RetentionSeconds != nil {
		if !settings.ValidRetention(*upd.RetentionSeconds) {
			return AddressSettings{}, ErrInvalidRetention
		}
		current.RetentionSeconds = *upd.RetentionSeconds
	}
	if upd.ForwardTo != nil {
		forwardTo := strings.TrimSpace(*upd.ForwardTo)
		if forwardTo == "" {
			current.ForwardTo = ""
		} else {
			normalized, ok := email.ExtractAddress(forwardTo)
			if !ok {
				return AddressSettings{}, ErrInvalidForwardTo
			}
			current.ForwardTo = normalized
		}
	}

	if err := store.SetJSON(ctx, s.store, store.AddressSettingsKey(addr), current, store.WithTTL(AddressSettingsTTL)); err != nil {
		return AddressSettings{}, err
	}

	// Expire never creates an inbox, so this is a no-op for unused addresses.
	if upd.RetentionSeconds != nil {
		ttl := settings.RetentionTTL(current.RetentionSeconds)
		if err := s.store.Expire(ctx, store.InboxKey(addr), ttl); err != nil {
			return AddressSettings{}, err
		}
	}
	return current, nil
}
