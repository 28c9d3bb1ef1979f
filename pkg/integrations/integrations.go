// Package integrations handles incoming webhook integrations: payload
// normalisation, webhook secrets and the HTTP exchange log kept per
// integration.
package integrations

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/readthedocs/rtd/pkg/domain"
	"github.com/readthedocs/rtd/pkg/logging"
	"github.com/readthedocs/rtd/pkg/storage"
)

// DefaultSecretSize is the number of random bytes in a webhook secret.
const DefaultSecretSize = 64

// DefaultExchangeLimit is how many exchanges are kept per integration.
const DefaultExchangeLimit = 10

const maxPayloadBytes = 10 << 20

var redactedHeaders = map[string]bool{
	"Authorization": true,
	"Cookie":        true,
	"Set-Cookie":    true,
}

// GetSecret returns size random bytes, hex encoded.
func GetSecret(size int) (string, error) {
	if size <= 0 {
		size = DefaultSecretSize
	}
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// NormalizeRequestPayload decodes a webhook body. JSON bodies decode to
// their natural form; anything else is parsed as a form and flattened to a
// map holding the last value of each key. The body stays readable for the
// caller.
func NormalizeRequestPayload(r *http.Request) (any, []byte, error) {
	raw, err := readBody(r)
	if err != nil {
		return nil, nil, err
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if len(bytes.TrimSpace(raw)) == 0 {
			return map[string]any{}, raw, nil
		}
		var payload any
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, raw, fmt.Errorf("%w: malformed JSON payload: %v", domain.ErrInvalidArgument, err)
		}
		return payload, raw, nil
	}

	values, err := url.ParseQuery(string(raw))
	if err != nil {
		return nil, raw, fmt.Errorf("%w: malformed form payload: %v", domain.ErrInvalidArgument, err)
	}
	flat := make(map[string]any, len(values))
	for key, vals := range values {
		if len(vals) > 0 {
			flat[key] = vals[len(vals)-1]
		}
	}
	// Some providers post JSON inside a "payload" form field.
	if p, ok := flat["payload"].(string); ok {
		var inner any
		if json.Unmarshal([]byte(p), &inner) == nil {
			flat["payload"] = inner
		}
	}
	return flat, raw, nil
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	_ = r.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))
	return raw, nil
}

// Recorder stores webhook exchanges.
type Recorder struct {
	store  *storage.Store
	limit  int
	logger *slog.Logger
}

// NewRecorder creates a Recorder keeping limit exchanges per integration.
func NewRecorder(store *storage.Store, limit int, logger *slog.Logger) *Recorder {
	if limit <= 0 {
		limit = DefaultExchangeLimit
	}
	return &Recorder{store: store, limit: limit, logger: logging.OrDefault(logger)}
}

// Response is what was sent back for a webhook request.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// RecordExchange stores the request and response of one webhook call and
// drops the oldest exchanges beyond the limit.
func (rec *Recorder) RecordExchange(ctx context.Context, integration int, r *http.Request, requestBody []byte, resp Response) (*domain.HTTPExchange, error) {
	exchange := &domain.HTTPExchange{
		ID:              uuid.NewString(),
		Integration:     integration,
		Date:            time.Now().UTC(),
		RequestHeaders:  filterHeaders(r.Header),
		RequestBody:     string(requestBody),
		ResponseHeaders: filterHeaders(resp.Headers),
		ResponseBody:    string(resp.Body),
		StatusCode:      resp.Status,
	}
	err := rec.store.Update(ctx, func(tx *storage.Tx) error {
		return tx.PutExchange(exchange, rec.limit)
	})
	if err != nil {
		return nil, fmt.Errorf("record exchange for integration %d: %w", integration, err)
	}
	if exchange.Failed() {
		rec.logger.Warn("webhook request failed",
			"integration_id", integration, "status", resp.Status, "exchange_id", exchange.ID)
	}
	return exchange, nil
}

// Exchanges lists an integration's exchanges, newest first.
func (rec *Recorder) Exchanges(ctx context.Context, integration int) ([]domain.HTTPExchange, error) {
	var out []domain.HTTPExchange
	err := rec.store.View(ctx, func(tx *storage.Tx) error {
		var err error
		out, err = tx.Exchanges(integration)
		return err
	})
	return out, err
}

func filterHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for key, vals := range h {
		if redactedHeaders[http.CanonicalHeaderKey(key)] {
			continue
		}
		out[key] = append([]string(nil), vals...)
	}
	return out
}
