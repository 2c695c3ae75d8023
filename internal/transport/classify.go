package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/tbourn/go-gate-sync/internal/syncerr"
)

// classifyStatus maps an HTTP error status to the failure taxonomy.
//
//	401, 403          systemic (credentials rejected for every request)
//	400, 422          validation
//	404, 409, 410     conflict (server state diverged)
//	408, 429, 5xx     transient
func classifyStatus(op string, status int, body []byte) error {
	cause := statusErr(status, body)
	var se *syncerr.Error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		se = syncerr.NewSystemic(op, cause)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		se = syncerr.NewValidation(op, cause)
	case status == http.StatusNotFound || status == http.StatusConflict || status == http.StatusGone:
		return syncerr.NewConflict(op, status, Unwrap(body), cause)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		se = syncerr.NewTransient(op, cause)
	default:
		se = syncerr.NewValidation(op, cause)
	}
	se.StatusCode = status
	return se
}

// classifyError maps a request error (no response) to the taxonomy.
// Connection refused and unresolvable hosts mean the backend is unreachable
// for every item; timeouts and resets are item-level and retried.
func classifyError(op string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return syncerr.NewSystemic(op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return syncerr.NewTransient(op, err)
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return syncerr.NewSystemic(op, err)
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return syncerr.NewTransient(op, err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return syncerr.NewTransient(op, err)
		}
		return syncerr.NewSystemic(op, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return syncerr.NewTransient(op, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return syncerr.NewSystemic(op, err)
	}
	if strings.Contains(strings.ToLower(err.Error()), "connection refused") {
		return syncerr.NewSystemic(op, err)
	}
	return syncerr.NewTransient(op, err)
}
