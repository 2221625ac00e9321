package idempotency

import (
	"bytes"
	"context"
	"net/http"
	"time"

	redisadapter "github.com/robertarktes/ticketing-checkout/internal/adapters/redis"
	"github.com/robertarktes/ticketing-checkout/internal/observability"
)

const (
	HeaderKey      = "Idempotency-Key"
	HeaderReplayed = "Idempotent-Replayed"

	minKeyLen   = 16
	maxKeyLen   = 128
	inFlightTTL = 30 * time.Second
)

type Store interface {
	Get(ctx context.Context, key string) (*redisadapter.IdempResponse, error)
	Set(ctx context.Context, key string, resp redisadapter.IdempResponse, ttl time.Duration) error
	Begin(ctx context.Context, key string, ttl time.Duration) (bool, error)
	End(ctx context.Context, key string) error
}

// Idempotency replays the first completed response for a repeated
// Idempotency-Key. Keys are scoped by caller and route.
type Idempotency struct {
	store  Store
	ttl    time.Duration
	logger observability.Logger
}

func NewIdempotency(store Store, ttl time.Duration, logger observability.Logger) *Idempotency {
	return &Idempotency{store: store, ttl: ttl, logger: logger}
}

type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// Middleware requires the header on every request it wraps. Responses with
// a 5xx status are not stored so the client can retry.
func (i *Idempotency) Middleware(scope func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(HeaderKey)
			if raw == "" {
				http.Error(w, "missing Idempotency-Key", http.StatusBadRequest)
				return
			}
			if len(raw) < minKeyLen || len(raw) > maxKeyLen {
				http.Error(w, "invalid Idempotency-Key", http.StatusBadRequest)
				return
			}
			key := scope(r) + ":" + r.Method + ":" + r.URL.Path + ":" + raw
			ctx := r.Context()

			stored, err := i.store.Get(ctx, key)
			if err != nil {
				i.logger.WithError(err).Error("idempotency lookup failed")
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			if stored != nil {
				replay(w, stored)
				return
			}

			ok, err := i.store.Begin(ctx, key, inFlightTTL)
			if err != nil {
				i.logger.WithError(err).Error("idempotency lock failed")
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			if !ok {
				http.Error(w, "request with this Idempotency-Key is in progress", http.StatusConflict)
				return
			}
			defer func() {
				if err := i.store.End(context.WithoutCancel(ctx), key); err != nil {
					i.logger.WithError(err).Warn("idempotency unlock failed")
				}
			}()

			rec := &recorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			if rec.status == 0 || rec.status >= http.StatusInternalServerError {
				return
			}
			resp := redisadapter.IdempResponse{
				Status:      rec.status,
				ContentType: rec.Header().Get("Content-Type"),
				Result:      rec.body.Bytes(),
			}
			if err := i.store.Set(context.WithoutCancel(ctx), key, resp, i.ttl); err != nil {
				i.logger.WithError(err).Warn("idempotency store failed")
			}
		})
	}
}

func replay(w http.ResponseWriter, resp *redisadapter.IdempResponse) {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.Header().Set(HeaderReplayed, "true")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Result)
}
