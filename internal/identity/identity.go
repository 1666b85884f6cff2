// Package identity resolves the principal the daemon syncs for.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/matheus3301/atlas/internal/syncerr"
	"github.com/matheus3301/atlas/internal/tier"
)

// Principal is the authenticated owner of a conversation set.
type Principal struct {
	OwnerID   string
	Tier      tier.Tier
	ExpiresAt time.Time
}

// Expired reports whether the principal's token has lapsed at now.
func (p Principal) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// Claims is the subset of an access token the daemon reads. The tier sits
// in app_metadata, where only the backend can write it.
type Claims struct {
	jwt.RegisteredClaims
	AppMetadata struct {
		Tier string `json:"tier"`
	} `json:"app_metadata"`
}

// FromToken parses an access token. With a secret the HS256 signature and
// expiry are verified; without one the claims are read unverified, which
// is only suitable when the remote store enforces row ownership itself.
func FromToken(token, secret string, now time.Time) (Principal, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return Principal{}, syncerr.New(syncerr.Auth, "identity.token", errors.New("empty access token"))
	}

	var claims Claims
	if secret != "" {
		parser := jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithTimeFunc(func() time.Time { return now }),
			jwt.WithLeeway(time.Minute),
		)
		if _, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
			return []byte(secret), nil
		}); err != nil {
			return Principal{}, syncerr.New(syncerr.Auth, "identity.token", err)
		}
	} else {
		if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
			return Principal{}, syncerr.New(syncerr.Auth, "identity.token", err)
		}
	}

	if claims.Subject == "" {
		return Principal{}, syncerr.New(syncerr.Auth, "identity.token", errors.New("token has no subject"))
	}
	t, err := tier.Parse(claims.AppMetadata.Tier)
	if err != nil {
		return Principal{}, syncerr.New(syncerr.Auth, "identity.token", err)
	}
	p := Principal{OwnerID: claims.Subject, Tier: t}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// Static builds a principal from configured values.
func Static(ownerID, tierName string) (Principal, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return Principal{}, syncerr.New(syncerr.Auth, "identity.static", errors.New("no owner id configured"))
	}
	t, err := tier.Parse(tierName)
	if err != nil {
		return Principal{}, fmt.Errorf("identity: %w", err)
	}
	return Principal{OwnerID: ownerID, Tier: t}, nil
}

// Resolve prefers the access token and falls back to the static owner.
func Resolve(token, secret, ownerID, tierName string, now time.Time) (Principal, error) {
	if strings.TrimSpace(token) != "" {
		return FromToken(token, secret, now)
	}
	return Static(ownerID, tierName)
}
