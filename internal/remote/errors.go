package remote

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"

	"github.com/lib/pq"

	"github.com/matheus3301/atlas/internal/syncerr"
)

// classify maps a driver error onto the sync error taxonomy. Cancellation
// by the caller passes through untouched.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if syncerr.KindOf(err) != "" || errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return syncerr.New(syncerr.Network, op, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return syncerr.New(pqKind(pqErr), op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return syncerr.New(syncerr.Network, op, err)
	}
	return syncerr.New(syncerr.Network, op, err)
}

func pqKind(e *pq.Error) syncerr.Kind {
	if e.Code == "42501" {
		return syncerr.Auth
	}
	switch e.Code.Class() {
	case "08", "53", "57", "58", "40":
		// connection, resources, operator intervention, system, rollback
		return syncerr.Network
	case "28":
		return syncerr.Auth
	}
	return syncerr.Invalid
}
