package index

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"syscall"

	amerrors "github.com/Aman-CERP/amansync/internal/errors"
	"github.com/Aman-CERP/amansync/pkg/indexer"
)

// ResilientIndex wraps a remote index with retry, a circuit breaker and
// error classification. Connection-level failures and an open circuit
// surface as IndexUnreachable; anything else is IndexOperationFailed.
type ResilientIndex struct {
	inner   indexer.Index
	retry   amerrors.RetryConfig
	breaker *amerrors.CircuitBreaker
}

// NewResilientIndex wraps inner. Only connection-level failures are
// retried and counted by the breaker.
func NewResilientIndex(inner indexer.Index, retry amerrors.RetryConfig, breaker *amerrors.CircuitBreaker) *ResilientIndex {
	if breaker == nil {
		breaker = amerrors.NewCircuitBreaker("remote_index")
	}
	retry.RetryIf = isConnectionError
	return &ResilientIndex{inner: inner, retry: retry, breaker: breaker}
}

// Breaker returns the circuit breaker guarding the index.
func (r *ResilientIndex) Breaker() *amerrors.CircuitBreaker {
	return r.breaker
}

// Inner returns the wrapped index.
func (r *ResilientIndex) Inner() indexer.Index {
	return r.inner
}

func call[T any](ctx context.Context, r *ResilientIndex, op, id string, fn func() (T, error)) (T, error) {
	var opErr error
	result, err := amerrors.CircuitDo(r.breaker, func() (T, error) {
		v, err := amerrors.RetryWithResult(ctx, r.retry, fn)
		if err != nil && !isConnectionError(err) {
			// The backend answered; keep the breaker closed.
			opErr = err
			return v, nil
		}
		return v, err
	})
	if opErr != nil {
		var zero T
		return zero, amerrors.IndexOperationFailed(id, op, opErr)
	}
	if err != nil {
		var zero T
		if ctx.Err() != nil {
			return zero, amerrors.IndexUnreachable(ctx.Err())
		}
		slog.Debug("remote_index_unreachable",
			slog.String("op", op),
			slog.String("id", id),
			slog.String("circuit", r.breaker.State().String()),
			slog.String("error", err.Error()))
		return zero, amerrors.IndexUnreachable(err)
	}
	return result, nil
}

// Upsert implements indexer.Index.
func (r *ResilientIndex) Upsert(ctx context.Context, id string, chunks []indexer.Chunk) (int, error) {
	return call(ctx, r, string(OpUpsert), id, func() (int, error) {
		return r.inner.Upsert(ctx, id, chunks)
	})
}

// Remove implements indexer.Index.
func (r *ResilientIndex) Remove(ctx context.Context, id string) error {
	_, err := call(ctx, r, string(OpRemove), id, func() (struct{}, error) {
		return struct{}{}, r.inner.Remove(ctx, id)
	})
	return err
}

// Count implements indexer.Index.
func (r *ResilientIndex) Count(ctx context.Context, id string) (int, error) {
	return call(ctx, r, "count", id, func() (int, error) {
		return r.inner.Count(ctx, id)
	})
}

// Ping implements indexer.Index. Ping bypasses retry so health checks
// answer quickly, but still feeds the breaker.
func (r *ResilientIndex) Ping(ctx context.Context) error {
	err := r.breaker.Execute(func() error { return r.inner.Ping(ctx) })
	if err != nil {
		return amerrors.IndexUnreachable(err)
	}
	return nil
}

// DocumentIDs implements indexer.Lister when the wrapped index does.
func (r *ResilientIndex) DocumentIDs(ctx context.Context) ([]string, error) {
	l, ok := r.inner.(indexer.Lister)
	if !ok {
		return nil, errors.New("index cannot list documents")
	}
	return call(ctx, r, "list", "", func() ([]string, error) {
		return l.DocumentIDs(ctx)
	})
}

// Flush implements indexer.Flusher when the wrapped index does.
func (r *ResilientIndex) Flush(ctx context.Context) error {
	if f, ok := r.inner.(indexer.Flusher); ok {
		return f.Flush(ctx)
	}
	return nil
}

// CanList reports whether the wrapped index implements indexer.Lister.
func (r *ResilientIndex) CanList() bool {
	_, ok := r.inner.(indexer.Lister)
	return ok
}

// isConnectionError reports failures to reach the backend at all.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amerrors.ErrCircuitOpen) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection reset", "no such host", "i/o timeout", "unexpected eof"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

var (
	_ indexer.Index   = (*ResilientIndex)(nil)
	_ indexer.Flusher = (*ResilientIndex)(nil)
)
