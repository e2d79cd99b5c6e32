package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ikanisa/easymo-sub022/internal/domain/errs"
	redisInfra "github.com/ikanisa/easymo-sub022/internal/infrastructure/redis"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderIdempotencyHit = "X-Idempotency-Hit"
)

type Executor interface {
	Execute(ctx context.Context, key string, op redisInfra.Operation) (json.RawMessage, error)
}

type storedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType,omitempty"`
	Body        []byte `json:"body"`
}

// serverError carries a 5xx response out of the store so the key is released.
type serverError struct {
	resp storedResponse
}

func (e *serverError) Error() string {
	return fmt.Sprintf("handler responded %d", e.resp.Status)
}

// Idempotency replays the first completed response of a write request carrying an
// Idempotency-Key header. A concurrent request with the same key gets 409.
// Responses with status 5xx are not kept, so the client may retry them.
func Idempotency(store Executor) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Only apply to state-changing methods
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(HeaderIdempotencyKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			ran := false
			raw, err := store.Execute(r.Context(), "http:"+r.Method+":"+r.URL.Path+":"+key, func(ctx context.Context) (json.RawMessage, error) {
				ran = true
				cw := &captureWriter{header: make(http.Header), status: http.StatusOK}
				next.ServeHTTP(cw, r.WithContext(ctx))

				resp := storedResponse{Status: cw.status, ContentType: cw.header.Get("Content-Type"), Body: cw.body.Bytes()}
				if resp.Status >= 500 {
					return nil, &serverError{resp: resp}
				}
				return json.Marshal(resp)
			})

			var se *serverError
			switch {
			case errors.As(err, &se):
				write(w, se.resp)
			case err != nil && !ran && errs.IsConflict(err):
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusConflict)
				w.Write([]byte(`{"error": "concurrent request"}`))
			case err != nil && !ran:
				// Store unavailable: serve without the guarantee.
				slog.Warn("idempotency store unavailable", "path", r.URL.Path, "error", err)
				next.ServeHTTP(w, r)
			case err != nil:
				http.Error(w, err.Error(), http.StatusInternalServerError)
			default:
				var resp storedResponse
				if err := json.Unmarshal(raw, &resp); err != nil {
					http.Error(w, "corrupt idempotency record", http.StatusInternalServerError)
					return
				}
				if !ran {
					w.Header().Set(HeaderIdempotencyHit, "true")
				}
				write(w, resp)
			}
		})
	}
}

func write(w http.ResponseWriter, resp storedResponse) {
	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

type captureWriter struct {
	header      http.Header
	body        bytes.Buffer
	status      int
	wroteHeader bool
}

func (c *captureWriter) Header() http.Header {
	return c.header
}

func (c *captureWriter) WriteHeader(status int) {
	if c.wroteHeader {
		return
	}
	c.status = status
	c.wroteHeader = true
}

func (c *captureWriter) Write(b []byte) (int, error) {
	c.wroteHeader = true
	return c.body.Write(b)
}
