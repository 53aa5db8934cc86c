package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	ledgererrors "escrowledger/core/errors"
)

const requestBodyLimit = 1 << 20 // 1 MiB

type errorResponse struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	Field         string `json:"field,omitempty"`
	Available     uint64 `json:"available,omitempty"`
	Required      uint64 `json:"required,omitempty"`
	CurrentState  string `json:"currentState,omitempty"`
	RequiredState string `json:"requiredState,omitempty"`
	Retryable     bool   `json:"retryable,omitempty"`
}

func statusFor(kind ledgererrors.Kind) int {
	switch kind {
	case ledgererrors.KindNotFound:
		return http.StatusNotFound
	case ledgererrors.KindAlreadyExists, ledgererrors.KindInvalidState:
		return http.StatusConflict
	case ledgererrors.KindUnauthorized:
		return http.StatusForbidden
	case ledgererrors.KindValidation:
		return http.StatusBadRequest
	case ledgererrors.KindInsufficientFunds:
		return http.StatusUnprocessableEntity
	case ledgererrors.KindSystemPaused:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps a ledger error onto its HTTP status. Internal details never
// leave the process.
func writeError(w http.ResponseWriter, err error) {
	typed, ok := ledgererrors.As(err)
	if !ok || typed.Kind == ledgererrors.KindInternal {
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Code:    ledgererrors.KindInternal.Code(),
			Message: "internal error",
		})
		return
	}
	writeJSON(w, statusFor(typed.Kind), errorResponse{
		Code:          typed.Code(),
		Message:       typed.Error(),
		Field:         typed.Field,
		Available:     typed.Available,
		Required:      typed.Required,
		CurrentState:  typed.CurrentState,
		RequiredState: typed.RequiredState,
		Retryable:     typed.Retryable(),
	})
}

func writeBadRequest(w http.ResponseWriter, field string, err error) {
	writeError(w, ledgererrors.Validation(field, err.Error()))
}

// decodeBody reads a JSON body into dst. An empty body leaves dst untouched
// when allowEmpty is set.
func decodeBody(r *http.Request, dst any, allowEmpty bool) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, requestBodyLimit))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		if allowEmpty {
			return nil
		}
		return errors.New("request body is empty")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func pathID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func queryUint(r *http.Request, key string) (uint64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return v, nil
}

// pagination reads offset and limit, defaulting limit to defaultPageSize.
func pagination(r *http.Request) (int, int, error) {
	offset, err := queryUint(r, "offset")
	if err != nil {
		return 0, 0, err
	}
	limit, err := queryUint(r, "limit")
	if err != nil {
		return 0, 0, err
	}
	if limit == 0 {
		limit = defaultPageSize
	}
	if offset > 1<<31 || limit > 1<<31 {
		return 0, 0, errors.New("pagination out of range")
	}
	return int(offset), int(limit), nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
