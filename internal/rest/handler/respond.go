package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/ethoslink/rolesync/internal/rest/types"
)

// ErrInvalidBody is returned when a request body cannot be decoded.
var ErrInvalidBody = errors.New("invalid request body")

// maxBodySize bounds request bodies.
const maxBodySize = 64 << 10

// decodeBody decodes an optional JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidBody, err)
	}

	if len(body) == 0 {
		return nil
	}

	if err := sonic.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidBody, err)
	}

	return nil
}

// respond writes v as JSON with the given status code.
func respond(w http.ResponseWriter, status int, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(data)

	return err
}

// respondError writes an error response.
func respondError(w http.ResponseWriter, status int, message string) error {
	return respond(w, status, types.ErrorResponse{Success: false, Error: message})
}
