/*
 * This file is part of PrivateIndexer.
 *
 * PrivateIndexer is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * PrivateIndexer is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with PrivateIndexer.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package token issues and validates short-lived access tokens exchanged for a user API key.
package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"privateindexer/collector"
	"privateindexer/database"
	cdb "privateindexer/database/types"
	"privateindexer/record"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	audience = "acc"
	purpose  = "privateindexer"
	keySize  = 32
)

type Kind string

const (
	InvalidKey   Kind = "invalid_key"
	Expired      Kind = "expired"
	Malformed    Kind = "malformed"
	BadSignature Kind = "bad_signature"
)

type AuthError struct {
	Kind Kind
	err  error
}

func (e *AuthError) Error() string {
	if e.err != nil {
		return "authentication failed: " + string(e.Kind) + ": " + e.err.Error()
	}

	return "authentication failed: " + string(e.Kind)
}

func (e *AuthError) Unwrap() error {
	return e.err
}

// IsKind reports whether err is an AuthError of given kind
func IsKind(err error, kind Kind) bool {
	var authErr *AuthError
	return errors.As(err, &authErr) && authErr.Kind == kind
}

type UserLookup interface {
	UserByAPIKey(ctx context.Context, apiKey string) (*cdb.User, error)
}

type Token struct {
	Value     string `json:"access_token"`
	ExpiresAt int64  `json:"expires_at"` // unix time
	UserID    uint32 `json:"-"`
}

// Identity is what a valid token proves about its bearer
type Identity struct {
	UserID    uint32
	Role      cdb.Role
	TokenID   string
	ExpiresAt time.Time
}

func (i Identity) IsAdmin() bool {
	return i.Role == cdb.RoleAdmin
}

type claims struct {
	jwt.RegisteredClaims
	Role cdb.Role `json:"role"`
	For  string   `json:"for"`
}

type Service struct {
	key   []byte
	users UserLookup
	ttl   time.Duration
	now   func() time.Time
}

func NewService(key []byte, users UserLookup, ttl time.Duration) *Service {
	return &Service{key: key, users: users, ttl: ttl, now: time.Now}
}

// LoadKey reads signing key from path, creating and persisting fresh one when the file does not exist
func LoadKey(path string) ([]byte, error) {
	buf, err := os.ReadFile(path)
	if err == nil {
		key, err := hex.DecodeString(strings.TrimSpace(string(buf)))
		if err != nil || len(key) < keySize {
			return nil, fmt.Errorf("signing key %s is corrupt", path)
		}

		return key, nil
	}

	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	key := make([]byte, keySize)
	if _, err = rand.Read(key); err != nil {
		return nil, err
	}

	if err = os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	if err = os.WriteFile(path, []byte(hex.EncodeToString(key)), 0600); err != nil {
		return nil, err
	}

	slog.Info("created new token signing key", "path", path)

	return key, nil
}

func fail(kind Kind, err error) error {
	collector.IncrementAuthFailures(string(kind))
	record.Record(record.EventAuthFailure, 0, string(kind))

	return &AuthError{Kind: kind, err: err}
}

// Issue exchanges API key for signed access token
func (s *Service) Issue(ctx context.Context, apiKey string) (Token, error) {
	if apiKey == "" {
		return Token{}, fail(InvalidKey, nil)
	}

	user, err := s.users.UserByAPIKey(ctx, apiKey)
	if errors.Is(err, database.ErrNotFound) {
		return Token{}, fail(InvalidKey, nil)
	} else if err != nil {
		return Token{}, err
	}

	now := s.now()
	expires := now.Add(s.ttl)

	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(uint64(user.ID), 10),
			Audience:  jwt.ClaimStrings{audience},
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Role: user.Role,
		For:  purpose,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.key)
	if err != nil {
		return Token{}, err
	}

	collector.IncrementIssuedTokens()
	record.Record(record.EventTokenIssued, user.ID, c.ID)

	return Token{Value: signed, ExpiresAt: expires.Unix(), UserID: user.ID}, nil
}

// Validate checks signature, audience and expiry of raw token. It does not consult the user store,
// so tokens of since deleted users stay valid until they expire.
func (s *Service) Validate(raw string) (Identity, error) {
	c := &claims{}

	_, err := jwt.ParseWithClaims(raw, c, func(*jwt.Token) (interface{}, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		// exp itself is the last valid second
		jwt.WithLeeway(time.Second),
		jwt.WithTimeFunc(s.now),
	)

	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return Identity{}, fail(BadSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return Identity{}, fail(Expired, err)
	default:
		return Identity{}, fail(Malformed, err)
	}

	userID, err := strconv.ParseUint(c.Subject, 10, 32)
	if err != nil || c.For != purpose || c.ID == "" {
		return Identity{}, fail(Malformed, errors.New("unexpected claims"))
	}

	return Identity{
		UserID:    uint32(userID),
		Role:      c.Role,
		TokenID:   c.ID,
		ExpiresAt: c.ExpiresAt.Time,
	}, nil
}
