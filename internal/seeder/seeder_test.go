package seeder

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailconsent/internal/consent/store"
	"mailconsent/internal/platform/config"
	"mailconsent/internal/users"
)

func TestEnsureIsIdempotent(t *testing.T) {
	ctx := context.Background()
	userStore := users.NewMemoryStore()
	st := store.NewMemory(userStore)
	seeder := New(st, slog.New(slog.DiscardHandler))

	seeds := []config.SourceSeed{
		{AutoCreateID: "newsletter", Name: "Newsletter", RequiresConfirmedEmail: true},
		{AutoCreateID: "events", Name: "Event invitations"},
	}

	require.NoError(t, seeder.Ensure(ctx, seeds))
	require.NoError(t, seeder.Ensure(ctx, seeds))

	source, err := st.SourceByAutoCreateID(ctx, "newsletter")
	require.NoError(t, err)
	assert.Equal(t, "Newsletter", source.Name)
	assert.True(t, source.RequiresConfirmedEmail)

	// Second run created nothing new.
	first, err := st.SourceByAutoCreateID(ctx, "newsletter")
	require.NoError(t, err)
	assert.Equal(t, source.ID, first.ID)
}

func TestEnsureRejectsMissingID(t *testing.T) {
	st := store.NewMemory(users.NewMemoryStore())
	seeder := New(st, slog.New(slog.DiscardHandler))

	err := seeder.Ensure(context.Background(), []config.SourceSeed{{Name: "anonymous"}})
	assert.Error(t, err)
}
