package api

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/atlas/internal/syncerr"
)

// toStatus maps a classified failure onto a gRPC status.
func toStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return grpcstatus.Errorf(codes.Canceled, "%s: %v", op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Errorf(codes.DeadlineExceeded, "%s: %v", op, err)
	}
	code := codes.Internal
	switch syncerr.KindOf(err) {
	case syncerr.Network:
		code = codes.Unavailable
	case syncerr.Auth:
		code = codes.Unauthenticated
	case syncerr.QuotaExceeded:
		code = codes.ResourceExhausted
	case syncerr.Invalid:
		code = codes.InvalidArgument
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}
