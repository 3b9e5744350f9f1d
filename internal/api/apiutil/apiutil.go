// Package apiutil provides shared JSON response helpers for the filament
// REST API. All sub-packages under internal/api import this package instead
// of duplicating writeJSON / writeError / writeNoContent in every handler
// file.
package apiutil

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrorResponse is the standard error envelope returned by the API: a flat
// stable string code, never a nested object and never a human-readable
// message (the message would leak implementation detail to the client).
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteJSON writes a JSON response with the given status code. Response
// bodies are never wrapped in an envelope; handlers pass the exact shape the
// client receives.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// WriteError writes the flat JSON error envelope {"error": code}.
func WriteError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: code})
}

// WriteNoContent writes a 204 No Content response with no body.
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// DecodeJSON reads JSON from the request body into dst. On failure it writes
// a 400 error response and returns false so the caller can return early.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request")
		return false
	}
	return true
}

// InternalError logs msg together with the error text and writes a generic
// 500 response. The client never sees err's contents.
func InternalError(w http.ResponseWriter, logger *slog.Logger, msg string, err error) {
	logger.Error(msg, slog.String("error", err.Error()))
	WriteError(w, http.StatusInternalServerError, "internal")
}

// ClientIP resolves the request's client IP, honoring X-Forwarded-For only
// when the immediate peer address falls within one of trustedCIDRs.
// Otherwise it returns the peer address directly, so a client can never
// spoof its own IP by setting the header itself.
func ClientIP(r *http.Request, trustedCIDRs []string) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil && host != "" {
		peer = host
	}

	if len(trustedCIDRs) == 0 {
		return peer
	}

	parsedPeer := net.ParseIP(peer)
	if parsedPeer == nil {
		return peer
	}

	trusted := false
	for _, cidr := range trustedCIDRs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if network.Contains(parsedPeer) {
			trusted = true
			break
		}
	}
	if !trusted {
		return peer
	}

	fwd := r.Header.Get("X-Forwarded-For")
	if fwd == "" {
		return peer
	}
	first := strings.TrimSpace(strings.Split(fwd, ",")[0])
	if first == "" {
		return peer
	}
	return first
}

// WithTx runs fn inside a database transaction. It begins a transaction,
// calls fn, and commits if fn returns nil. If fn returns an error or panics,
// the transaction is rolled back. Post-commit work (event publishing,
// writing the HTTP response) should happen after WithTx returns nil.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
