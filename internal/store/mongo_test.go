package store_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shineum/vaultmail/internal/store"
	"github.com/shineum/vaultmail/internal/store/storetest"
)

// The MongoDB suite needs a running server; point
// VAULTMAIL_TEST_MONGODB_URI at one to enable it. CI starts a mongo:7
// service container for this (.github/workflows/test.yml). The key
// regexp and range windowing are covered without a server in
// glob_test.go.
func TestMongo(t *testing.T) {
	uri := os.Getenv("VAULTMAIL_TEST_MONGODB_URI")
	if uri == "" {
		t.Skip("VAULTMAIL_TEST_MONGODB_URI not set")
	}

	n := 0
	storetest.Run(t, func(t *testing.T) (store.Store, storetest.Clock) {
		n++
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		clock := storetest.NewManualClock()
		db := fmt.Sprintf("vaultmail_test_%d_%d", time.Now().UnixNano(), n)
		s, err := store.OpenMongo(ctx, uri, db, store.WithClock(clock.Now))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s, clock
	}, storetest.Capabilities{})
}
