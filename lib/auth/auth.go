/*
 * Kubelab
 * Copyright (C) 2025  Kubelab, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package auth implements the identity collaborator consumed by the
// terminal gateway and the HTTP layer: short-lived JWT access
// credentials, hashed refresh-credential records with per-owner
// revocation, and one-time email login codes.
//
// Password login is disabled by contract; the one-time-code flow is the
// only way to authenticate. Refresh validation requires a matching
// non-revoked record in the store (the signed token alone is not
// sufficient), so revoking an owner invalidates every outstanding
// refresh credential immediately.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/kubelab/kubelab"
	"github.com/kubelab/kubelab/lib/backend/lite"
	"github.com/kubelab/kubelab/lib/utils"
)

var log = utils.NewPackageLogger(kubelab.ComponentKey, kubelab.ComponentAuth)

const (
	// AccessTTL is the lifetime of an access credential.
	AccessTTL = 15 * time.Minute
	// RefreshTTL is the lifetime of a refresh credential.
	RefreshTTL = 7 * 24 * time.Hour
	// LoginCodeTTL is the lifetime of a one-time login code.
	LoginCodeTTL = 10 * time.Minute
)

// ErrCredentialExpired means the credential was valid but is past its
// expiry. Distinct from ErrCredentialInvalid so clients know to refresh
// and retry.
var ErrCredentialExpired = errors.New("credential expired")

// ErrCredentialInvalid means the credential failed validation.
var ErrCredentialInvalid = errors.New("credential invalid")

// Identity verifies a presented access credential and resolves the owner
// it was minted for. This is the only part of the package the terminal
// gateway depends on.
type Identity interface {
	// VerifyCredential returns the owner id for a valid credential, or
	// ErrCredentialExpired / ErrCredentialInvalid.
	VerifyCredential(ctx context.Context, credential string) (string, error)
}

// Notifier delivers transactional email with at-least-once semantics.
// Delivery failures are logged by callers and never block authentication.
type Notifier interface {
	Send(ctx context.Context, recipient, subject, body string) error
}

// LogNotifier writes the message to the process log instead of sending
// email. It is the default when no mail transport is configured, which
// keeps single-host deployments usable: the operator reads the login
// code off the log.
type LogNotifier struct{}

// Send implements Notifier.
func (LogNotifier) Send(ctx context.Context, recipient, subject, body string) error {
	log.InfoContext(ctx, "Email delivery is not configured, logging instead",
		"recipient", recipient, "subject", subject, "body", body)
	return nil
}

// Config configures the token service.
type Config struct {
	// Backend stores refresh credentials and one-time codes.
	Backend *lite.Backend
	// SigningKey is the HMAC key access credentials are signed with.
	SigningKey []byte
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	if c.Backend == nil {
		return trace.BadParameter("missing parameter Backend")
	}
	if len(c.SigningKey) < 32 {
		return trace.BadParameter("signing key must be at least 32 bytes")
	}
	return nil
}

// TokenService mints and verifies credentials.
type TokenService struct {
	Config
}

// NewTokenService creates a token service.
func NewTokenService(cfg Config) (*TokenService, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &TokenService{Config: cfg}, nil
}

// IssueAccess mints a signed access credential for the owner.
func (s *TokenService) IssueAccess(owner string) (string, error) {
	now := s.Backend.Clock().Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   owner,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(AccessTTL)),
		ID:        uuid.NewString(),
	})
	signed, err := token.SignedString(s.SigningKey)
	return signed, trace.Wrap(err)
}

// VerifyCredential implements Identity.
func (s *TokenService) VerifyCredential(ctx context.Context, credential string) (string, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.Backend.Clock().Now),
	)
	var claims jwt.RegisteredClaims
	_, err := parser.ParseWithClaims(credential, &claims, func(*jwt.Token) (any, error) {
		return s.SigningKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", trace.Wrap(ErrCredentialExpired)
		}
		return "", trace.Wrap(ErrCredentialInvalid)
	}
	if claims.Subject == "" {
		return "", trace.Wrap(ErrCredentialInvalid)
	}
	return claims.Subject, nil
}

// IssueRefresh mints a refresh credential and persists its hash. Only the
// hash ever touches the store.
func (s *TokenService) IssueRefresh(ctx context.Context, owner string) (string, error) {
	secret, err := utils.ShortID(32)
	if err != nil {
		return "", trace.Wrap(err)
	}
	expires := s.Backend.Clock().Now().Add(RefreshTTL).Unix()
	_, err = s.Backend.ExecContext(ctx,
		`INSERT INTO refresh_credentials (id, owner, token_hash, expires_unix)
		 VALUES (?, ?, ?, ?)`,
		uuid.NewString(), owner, utils.HashToken(secret), expires)
	if err != nil {
		return "", trace.Wrap(err)
	}
	return secret, nil
}

// VerifyRefresh resolves a refresh credential to its owner. A matching
// non-revoked, unexpired record must exist.
func (s *TokenService) VerifyRefresh(ctx context.Context, credential string) (string, error) {
	var (
		owner   string
		expires int64
		revoked int
	)
	err := s.Backend.QueryRowContext(ctx,
		`SELECT owner, expires_unix, revoked FROM refresh_credentials
		 WHERE token_hash = ?`, utils.HashToken(credential),
	).Scan(&owner, &expires, &revoked)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", trace.Wrap(ErrCredentialInvalid)
		}
		return "", trace.Wrap(err)
	}
	if revoked != 0 {
		return "", trace.Wrap(ErrCredentialInvalid)
	}
	if s.Backend.Clock().Now().Unix() >= expires {
		return "", trace.Wrap(ErrCredentialExpired)
	}
	return owner, nil
}

// RevokeOwner revokes every refresh credential held by the owner.
func (s *TokenService) RevokeOwner(ctx context.Context, owner string) error {
	_, err := s.Backend.ExecContext(ctx,
		`UPDATE refresh_credentials SET revoked = 1 WHERE owner = ?`, owner)
	if err != nil {
		return trace.Wrap(err)
	}
	log.InfoContext(ctx, "Revoked refresh credentials", "owner", owner)
	return nil
}

// CreateLoginCode mints a one-time login code for the email address and
// stores its hash. The caller delivers the code via the Notifier.
func (s *TokenService) CreateLoginCode(ctx context.Context, email string) (string, error) {
	code, err := utils.ShortID(4)
	if err != nil {
		return "", trace.Wrap(err)
	}
	now := s.Backend.Clock().Now()
	_, err = s.Backend.ExecContext(ctx,
		`INSERT INTO one_time_codes (email, code_hash, expires_unix, created_unix)
		 VALUES (?, ?, ?, ?)`,
		email, utils.HashToken(code), now.Add(LoginCodeTTL).Unix(), now.Unix())
	if err != nil {
		return "", trace.Wrap(err)
	}
	return code, nil
}

// ConsumeLoginCode validates a one-time code and marks it used. A code is
// single-use: consuming it twice fails. The user record is created on the
// first successful authentication.
func (s *TokenService) ConsumeLoginCode(ctx context.Context, email, code string) error {
	now := s.Backend.Clock().Now().Unix()
	err := s.Backend.InTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE one_time_codes SET used = 1
			 WHERE email = ? AND code_hash = ? AND used = 0 AND expires_unix > ?`,
			email, utils.HashToken(code), now)
		if err != nil {
			return trace.Wrap(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return trace.Wrap(err)
		}
		if n == 0 {
			return trace.Wrap(ErrCredentialInvalid)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO users (id, email, created_unix) VALUES (?, ?, ?)
			 ON CONFLICT (email) DO NOTHING`,
			uuid.NewString(), email, now)
		return trace.Wrap(err)
	})
	return trace.Wrap(err)
}

// PurgeExpired removes spent authentication ephemera: used or expired
// one-time codes and expired refresh credentials. Called by the reaper
// sweep.
func (s *TokenService) PurgeExpired(ctx context.Context) (int, error) {
	now := s.Backend.Clock().Now().Unix()
	total := 0
	for _, stmt := range []string{
		`DELETE FROM one_time_codes WHERE used = 1 OR expires_unix <= ?`,
		`DELETE FROM refresh_credentials WHERE expires_unix <= ?`,
	} {
		res, err := s.Backend.ExecContext(ctx, stmt, now)
		if err != nil {
			return total, trace.Wrap(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, trace.Wrap(err)
		}
		total += int(n)
	}
	if total > 0 {
		log.DebugContext(ctx, "Purged expired auth ephemera", "count", total)
	}
	return total, nil
}
