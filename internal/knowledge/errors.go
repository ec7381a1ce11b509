package knowledge

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"

	"github.com/lib/pq"
)

var (
	// ErrNotTrained is returned when a knowledge base has no trained
	// vector collection. Callers surface this as "bot not trained yet".
	ErrNotTrained = errors.New("knowledge base not trained")

	// ErrUnavailable is returned when the vector store cannot be reached.
	ErrUnavailable = errors.New("knowledge service unavailable")

	// ErrInvalidProvenance is returned for provenance values other than
	// manual or imported.
	ErrInvalidProvenance = errors.New("invalid provenance")
)

// Postgres error classes that indicate connection problems rather than
// query problems.
const (
	pqClassConnectionException = "08"
	pqCodeAdminShutdown        = "57P01"
	pqCodeCrashShutdown        = "57P02"
	pqCodeCannotConnectNow     = "57P03"
)

// classifyStoreError maps transport-level failures to ErrUnavailable so the
// pipeline can distinguish an unreachable store from an empty or untrained
// one. Other errors pass through unchanged.
func classifyStoreError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, driver.ErrBadConn) {
		return ErrUnavailable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrUnavailable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrUnavailable
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code.Class() == pqClassConnectionException {
			return ErrUnavailable
		}
		switch string(pqErr.Code) {
		case pqCodeAdminShutdown, pqCodeCrashShutdown, pqCodeCannotConnectNow:
			return ErrUnavailable
		}
	}
	return err
}
