package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/anonline/farm2fork-v3-sub000/internal/platform/auth"
	"github.com/anonline/farm2fork-v3-sub000/internal/platform/httpx"
	"github.com/anonline/farm2fork-v3-sub000/internal/services"
)

const defaultMaxBodySize = 64 * 1024

var (
	errBodyTooLarge = errors.New("request body too large")
	errEmptyBody    = errors.New("request body is required")
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// requestValidator reports field errors using the JSON names clients send.
func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(field reflect.StructField) string {
			name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = defaultMaxBodySize
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

// decodeJSONBody reads, decodes and validates a request payload, writing the error response
// itself. It returns false when the handler should stop.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, limit int64, allowEmpty bool, dst any) bool {
	ctx := r.Context()
	body, err := readLimitedBody(r, limit)
	switch {
	case errors.Is(err, errEmptyBody) && allowEmpty:
		return true
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusRequestEntityTooLarge))
		return false
	case err != nil:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return false
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", fmt.Sprintf("request body must be valid JSON: %v", err), http.StatusBadRequest))
		return false
	}
	if err := requestValidator().Struct(dst); err != nil {
		httpx.WriteError(ctx, w, validationError(err))
		return false
	}
	return true
}

func validationError(err error) httpx.Error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest)
	}
	fields := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields[fe.Namespace()] = fe.Tag()
	}
	first := fieldErrs[0]
	return httpx.NewError("invalid_request", fmt.Sprintf("%s failed %s validation", first.Field(), first.Tag()), http.StatusBadRequest).
		WithDetails(map[string]any{"fields": fields})
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// requireIdentity returns the authenticated caller or writes 401.
func requireIdentity(w http.ResponseWriter, r *http.Request) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func actorFromIdentity(identity *auth.Identity) services.Actor {
	if identity == nil {
		return services.Actor{}
	}
	return services.Actor{ID: identity.UID, Name: identity.DisplayName()}
}

// flexDecimal accepts quantities sent either as JSON numbers or strings such as "1,5".
type flexDecimal struct {
	decimal.Decimal
}

func (d *flexDecimal) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == `""` {
		d.Decimal = decimal.Zero
		return nil
	}
	raw = strings.Trim(raw, `"`)
	raw = strings.ReplaceAll(strings.TrimSpace(raw), ",", ".")
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("invalid decimal %q", raw)
	}
	d.Decimal = value
	return nil
}

// rawQuantity keeps the quantity text as typed so the service can resolve it against the
// line's bounds. JSON numbers are kept in their literal form.
type rawQuantity string

func (q *rawQuantity) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if strings.HasPrefix(raw, `"`) {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*q = rawQuantity(text)
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(data, &number); err != nil {
		return fmt.Errorf("invalid quantity %s", raw)
	}
	*q = rawQuantity(number.String())
	return nil
}

func (q *rawQuantity) text() *string {
	if q == nil {
		return nil
	}
	text := string(*q)
	return &text
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func unavailable(w http.ResponseWriter, r *http.Request, code, message string) {
	httpx.WriteError(r.Context(), w, httpx.NewError(code, message, http.StatusServiceUnavailable))
}
