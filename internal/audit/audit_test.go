package audit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailconsent/internal/platform/middleware"
)

const chromeLinuxUA = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

func TestEmitFillsTimestampAndRequestMeta(t *testing.T) {
	store := NewInMemoryStore()
	publisher := NewPublisher(store)
	emailHash := uuid.NewMD5(uuid.NameSpaceURL, []byte("alice@example.org"))

	var captured context.Context
	handler := middleware.ClientIP(Annotate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Context()
	})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.7:4455"
	req.Header.Set("User-Agent", chromeLinuxUA)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	require.NoError(t, publisher.Emit(captured, Event{
		EmailHash: emailHash,
		Action:    ActionConsentCaptured,
	}))

	events, err := publisher.List(context.Background(), emailHash)
	require.NoError(t, err)
	require.Len(t, events, 1)

	got := events[0]
	assert.Equal(t, int64(1), got.ID)
	assert.False(t, got.OccurredAt.IsZero())
	assert.Equal(t, "203.0.113.0", got.IPPrefix)
	assert.Equal(t, "Chrome 120.0.0.0 (GNU/Linux)", got.UserAgent)
}

func TestEmitKeepsCallerProvidedMeta(t *testing.T) {
	store := NewInMemoryStore()
	publisher := NewPublisher(store)
	emailHash := uuid.New()

	require.NoError(t, publisher.Emit(context.Background(), Event{
		EmailHash: emailHash,
		Action:    ActionOptedOut,
		IPPrefix:  "198.51.100.0",
	}))

	events, err := store.ListByEmailHash(context.Background(), emailHash)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "198.51.100.0", events[0].IPPrefix)
}

func TestAsyncPublisherDrainsOnClose(t *testing.T) {
	store := NewInMemoryStore()
	publisher := NewPublisher(store, WithAsyncBuffer(16))
	emailHash := uuid.New()

	for i := 0; i < 5; i++ {
		require.NoError(t, publisher.Emit(context.Background(), Event{
			EmailHash: emailHash,
			Action:    ActionConsentConfirmed,
		}))
	}
	publisher.Close()

	events, err := store.ListByEmailHash(context.Background(), emailHash)
	require.NoError(t, err)
	assert.Len(t, events, 5)
}

func TestNormalizeUserAgent(t *testing.T) {
	assert.Equal(t, "", normalizeUserAgent(""))
	assert.Equal(t, "unknown", normalizeUserAgent("curl/8.4.0"))
	assert.Equal(t, "Chrome 120.0.0.0 (GNU/Linux)", normalizeUserAgent(chromeLinuxUA))
}

func TestInMemoryStoreIsolation(t *testing.T) {
	store := NewInMemoryStore()
	a := uuid.New()
	b := uuid.New()

	require.NoError(t, store.Append(context.Background(), Event{EmailHash: a, Action: ActionConsentCaptured}))
	require.NoError(t, store.Append(context.Background(), Event{EmailHash: b, Action: ActionOptedOutEverything}))
	require.NoError(t, store.Append(context.Background(), Event{EmailHash: a, Action: ActionOptedOut}))

	events, err := store.ListByEmailHash(context.Background(), a)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, ActionConsentCaptured, events[0].Action)
	assert.Equal(t, ActionOptedOut, events[1].Action)
	assert.Less(t, events[0].ID, events[1].ID)
}
