package idempotency_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisadapter "github.com/robertarktes/ticketing-checkout/internal/adapters/redis"
	"github.com/robertarktes/ticketing-checkout/internal/idempotency"
	"github.com/robertarktes/ticketing-checkout/internal/observability"
)

type memStore struct {
	mu       sync.Mutex
	stored   map[string]redisadapter.IdempResponse
	inFlight map[string]bool
}

func newMemStore() *memStore {
	return &memStore{stored: map[string]redisadapter.IdempResponse{}, inFlight: map[string]bool{}}
}

func (m *memStore) Get(_ context.Context, key string) (*redisadapter.IdempResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resp, ok := m.stored[key]
	if !ok {
		return nil, nil
	}
	return &resp, nil
}

func (m *memStore) Set(_ context.Context, key string, resp redisadapter.IdempResponse, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored[key] = resp
	return nil
}

func (m *memStore) Begin(_ context.Context, key string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight[key] {
		return false, nil
	}
	m.inFlight[key] = true
	return true, nil
}

func (m *memStore) End(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, key)
	return nil
}

const key = "0123456789abcdef-checkout"

func byUser(r *http.Request) string { return r.Header.Get("X-User-ID") }

func post(h http.Handler, user, idemKey string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/checkout", nil)
	req.Header.Set("X-User-ID", user)
	if idemKey != "" {
		req.Header.Set(idempotency.HeaderKey, idemKey)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_ReplaysFirstResponse(t *testing.T) {
	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"n":1}`))
	})
	h := idempotency.NewIdempotency(newMemStore(), time.Hour, observability.NewNopLogger()).Middleware(byUser)(next)

	first := post(h, "u-1", key)
	second := post(h, "u-1", key)

	require.Equal(t, 1, calls)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get(idempotency.HeaderReplayed))
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))

	post(h, "u-2", key)
	assert.Equal(t, 2, calls, "keys are scoped per caller")
}

func TestMiddleware_ServerErrorsAreNotStored(t *testing.T) {
	calls := 0
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	h := idempotency.NewIdempotency(newMemStore(), time.Hour, observability.NewNopLogger()).Middleware(byUser)(next)

	assert.Equal(t, http.StatusInternalServerError, post(h, "u-1", key).Code)
	assert.Equal(t, http.StatusOK, post(h, "u-1", key).Code)
	assert.Equal(t, 2, calls)
}

func TestMiddleware_KeyValidation(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	h := idempotency.NewIdempotency(newMemStore(), time.Hour, observability.NewNopLogger()).Middleware(byUser)(next)

	assert.Equal(t, http.StatusBadRequest, post(h, "u-1", "").Code)
	assert.Equal(t, http.StatusBadRequest, post(h, "u-1", "short").Code)
}

func TestMiddleware_InFlightConflict(t *testing.T) {
	store := newMemStore()
	release := make(chan struct{})
	entered := make(chan struct{})
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusOK)
	})
	h := idempotency.NewIdempotency(store, time.Hour, observability.NewNopLogger()).Middleware(byUser)(next)

	done := make(chan *httptest.ResponseRecorder)
	go func() { done <- post(h, "u-1", key) }()
	<-entered

	assert.Equal(t, http.StatusConflict, post(h, "u-1", key).Code)
	close(release)
	assert.Equal(t, http.StatusOK, (<-done).Code)
}
