package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"

	"github.com/dgrijalva/jwt-go"

	"github.com/ottopad/ottopad/internal/collab"
	"github.com/ottopad/ottopad/internal/pad"
)

var tokenPattern = regexp.MustCompile(`^t\.[A-Za-z0-9]+$`)

// Claims is the payload of a signed session token.
type Claims struct {
	AuthorID string `json:"authorId"`
	jwt.StandardClaims
}

// Checker authorizes CLIENT_READY attempts: a valid session token grants
// directly; otherwise the client token is mapped to an author and the pad's
// password, if any, must match.
type Checker struct {
	pads   *pad.Manager
	secret []byte
	ttl    time.Duration
}

func NewChecker(pads *pad.Manager, secret []byte, ttl time.Duration) *Checker {
	return &Checker{pads: pads, secret: secret, ttl: ttl}
}

// SignSession issues a session token for an author.
func (c *Checker) SignSession(authorID string) (string, error) {
	claims := Claims{
		AuthorID: authorID,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: time.Now().Add(c.ttl).Unix(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.secret)
}

// ParseSession returns the author behind a session token.
func (c *Checker) ParseSession(token string) (string, bool) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return c.secret, nil
	})
	if err != nil {
		return "", false
	}
	if claims, ok := parsed.Claims.(*Claims); ok && parsed.Valid {
		return claims.AuthorID, true
	}
	return "", false
}

// HashPassword is the stored form of a pad password.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

func (c *Checker) CheckAccess(ctx context.Context, padID, sessionCookie, token, password string) (collab.AccessResult, error) {
	if sessionCookie != "" {
		if authorID, ok := c.ParseSession(sessionCookie); ok {
			return collab.AccessResult{Status: collab.AccessGrant, AuthorID: authorID}, nil
		}
	}
	if !tokenPattern.MatchString(token) {
		return collab.AccessResult{Status: collab.AccessDeny}, nil
	}
	authorID, err := c.pads.Authors.CreateAuthorIfNotExistsFor(ctx, token, "")
	if err != nil {
		return collab.AccessResult{}, fmt.Errorf("mapping token to author: %w", err)
	}

	p, err := c.pads.GetIfExists(ctx, padID)
	if err == nil && p.PasswordHash() != "" {
		switch {
		case password == "":
			return collab.AccessResult{Status: collab.AccessNeedPassword}, nil
		case HashPassword(password) != p.PasswordHash():
			return collab.AccessResult{Status: collab.AccessWrongPassword}, nil
		}
	}
	return collab.AccessResult{Status: collab.AccessGrant, AuthorID: authorID}, nil
}
