package transport

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/pmisflow/internal/idempotency"
	"github.com/pitabwire/pmisflow/internal/observability"
	"github.com/pitabwire/pmisflow/model"
)

const (
	// IdempotencyKeyHeader carries the client-chosen deduplication key.
	IdempotencyKeyHeader = "X-Idempotency-Key"
	// IdempotencyReplayedHeader is set on responses served from the store.
	IdempotencyReplayedHeader = "X-Idempotency-Replayed"

	maxBodyBytes = 1 << 20
)

// Idempotency returns middleware that replays the recorded response when a
// POST repeats an X-Idempotency-Key for the same caller and route. A key
// reused with a different body or path is rejected with 409. Responses with
// a 5xx status are not recorded so the client can retry them. Requests
// without the header pass through untouched.
//
// Store failures are logged and the request proceeds without deduplication.
func Idempotency(store idempotency.Store, ttl time.Duration, metrics *observability.Metrics, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.Header.Get(IdempotencyKeyHeader)
			if clientKey == "" || r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				WriteError(w, model.NewBadRequestError("unable to read request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			subject := ""
			if rctx := model.RequestContextFrom(r.Context()); rctx != nil {
				subject = rctx.SubjectID
			}
			key := idempotency.FormatKey(subject, routeOf(r), clientKey)
			hash := idempotency.HashRequest(r.Method, r.URL.Path, body)
			log := observability.RequestLogger(r.Context(), logger)

			prev, found, err := store.Check(r.Context(), key, hash)
			switch {
			case model.HasCode(err, model.ErrConflict):
				WriteError(w, err)
				return
			case err != nil:
				log.Warn("idempotency check failed, continuing without replay", zap.Error(err))
			case found && prev != nil:
				log.Debug("replaying idempotent response", zap.String("key", clientKey))
				metrics.RecordIdempotencyReplay()
				replay(w, *prev)
				return
			}

			rec := &recordingWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status >= http.StatusInternalServerError || !json.Valid(rec.body.Bytes()) {
				return
			}
			resp := idempotency.Response{
				Status:      rec.status,
				ContentType: rec.Header().Get("Content-Type"),
				Body:        json.RawMessage(rec.body.Bytes()),
			}
			if err := store.Save(r.Context(), key, hash, resp, ttl); err != nil {
				log.Warn("idempotency save failed", zap.Error(err))
			}
		})
	}
}

func replay(w http.ResponseWriter, resp idempotency.Response) {
	ct := resp.ContentType
	if ct == "" {
		ct = "application/json; charset=utf-8"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set(IdempotencyReplayedHeader, "true")
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// routeOf returns chi's matched route pattern, or the raw path outside a
// chi router.
func routeOf(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// recordingWriter passes the response through while keeping a copy.
type recordingWriter struct {
	http.ResponseWriter
	status  int
	written bool
	body    bytes.Buffer
}

func (w *recordingWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}
