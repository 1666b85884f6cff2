package api

import (
	"time"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/atlas/internal/identity"
)

// principalGuard hands out the daemon's principal and refuses requests
// once its token has expired.
type principalGuard struct {
	principal identity.Principal
	now       func() time.Time
}

func newGuard(p identity.Principal) principalGuard {
	return principalGuard{principal: p, now: time.Now}
}

func (g principalGuard) current() (identity.Principal, error) {
	if g.principal.Expired(g.now()) {
		return identity.Principal{}, grpcstatus.Error(codes.Unauthenticated, "access token expired")
	}
	return g.principal, nil
}
