// Package auth validates the bearer credentials presented on the chat
// handshake and the history endpoint. Tokens are HMAC-signed JWTs issued by
// the account service; IssueToken exists for development tooling and tests.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Tyrowin/teamchat/internal/chat"
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the payload carried by a teamchat credential.
type Claims struct {
	UserID int64  `json:"user_id"`
	Name   string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator validates HS256 tokens signed with a shared secret.
type JWTAuthenticator struct {
	secret []byte
	issuer string
}

// NewJWTAuthenticator returns an authenticator for tokens signed with secret.
// An empty issuer disables the issuer check.
func NewJWTAuthenticator(secret, issuer string) *JWTAuthenticator {
	return &JWTAuthenticator{secret: []byte(secret), issuer: issuer}
}

// Authenticate parses and validates token and returns the identity it carries.
// Every failure is reported as chat.ErrAuthentication.
func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (chat.Identity, error) {
	if token == "" {
		return chat.Identity{}, chat.NewError(chat.KindAuthentication, "missing credential", nil)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return chat.Identity{}, chat.NewError(chat.KindAuthentication, "credential expired", err)
		}
		return chat.Identity{}, chat.NewError(chat.KindAuthentication, "invalid credential", err)
	}
	if !parsed.Valid || claims.UserID <= 0 {
		return chat.Identity{}, chat.NewError(chat.KindAuthentication, "invalid credential", nil)
	}

	id := chat.Identity{UserID: claims.UserID, Name: claims.Name}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

// IssueToken signs a credential for userID valid for ttl.
func IssueToken(secret, issuer string, userID int64, name string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Name:   name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// BearerToken extracts the credential from the Authorization header, falling
// back to the token query parameter used by browser WebSocket clients. A
// malformed Authorization header yields an empty token.
func BearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return ""
		}
		return strings.TrimSpace(token)
	}
	return r.URL.Query().Get("token")
}
