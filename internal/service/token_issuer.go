package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/clinic-auth-api/internal/models"
	appErrors "github.com/noah-isme/clinic-auth-api/pkg/errors"
)

// FingerprintLength is the number of hex characters kept from a token digest
// when it is shown as a session fingerprint.
const FingerprintLength = 16

type tokenRepository interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	SetRefreshToken(ctx context.Context, id, digest string, updatedAt time.Time) error
	ClearCredentialSlot(ctx context.Context, id string, updatedAt time.Time) error
}

// TokenConfig defines signing material and lifetimes for issued tokens.
type TokenConfig struct {
	AccessSecret  string
	RefreshSecret string
	Issuer        string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
}

// TokenIssuer mints access/refresh pairs and keeps the user's credential slot
// pointing at the latest refresh token.
type TokenIssuer struct {
	repo   tokenRepository
	config TokenConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer.
func NewTokenIssuer(repo tokenRepository, config TokenConfig, logger *zap.Logger) *TokenIssuer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenIssuer{repo: repo, config: config, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Issue signs a new pair for the user and records the refresh token in the
// credential slot before returning. When the write fails no token is returned.
func (t *TokenIssuer) Issue(ctx context.Context, userID, email string, role models.UserRole) (*models.TokenPair, error) {
	issuedAt := t.now()

	accessToken, err := t.sign(userID, email, role, models.TokenTypeAccess, issuedAt, t.config.AccessTTL, t.config.AccessSecret)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to create access token")
	}

	refreshToken, err := t.sign(userID, email, role, models.TokenTypeRefresh, issuedAt, t.config.RefreshTTL, t.config.RefreshSecret)
	if err != nil {
		return nil, appErrors.Internal(err, "failed to create refresh token")
	}

	if err := t.repo.SetRefreshToken(ctx, userID, TokenDigest(refreshToken), issuedAt); err != nil {
		return nil, appErrors.Internal(err, "failed to persist refresh token")
	}

	return &models.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(t.config.AccessTTL.Seconds()),
		IssuedAt:     issuedAt,
	}, nil
}

// Refresh exchanges a refresh token for a new pair. The presented token must
// verify, belong to an active user and still be the one held in that user's
// credential slot. Every rejection is the same INVALID_REFRESH_TOKEN error.
func (t *TokenIssuer) Refresh(ctx context.Context, presented string) (*models.TokenPair, *models.User, error) {
	claims, err := t.parse(presented, t.config.RefreshSecret, models.TokenTypeRefresh)
	if err != nil {
		t.logger.Debug("refresh token rejected", zap.Error(err))
		return nil, nil, invalidRefreshToken()
	}

	user, err := t.repo.FindByID(ctx, claims.Subject)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			t.logger.Warn("failed to load refresh token owner", zap.Error(err))
		}
		return nil, nil, invalidRefreshToken()
	}

	if !user.Active {
		return nil, nil, invalidRefreshToken()
	}

	slot := user.Slot()
	if slot.Kind != models.SlotRefreshToken || !digestEqual(slot.Digest, TokenDigest(presented)) {
		return nil, nil, invalidRefreshToken()
	}

	pair, err := t.Issue(ctx, user.ID, user.Email, user.Role)
	if err != nil {
		return nil, nil, err
	}
	return pair, user, nil
}

// Revoke empties the user's credential slot so the latest refresh token can no
// longer be exchanged. Session entries are left untouched.
func (t *TokenIssuer) Revoke(ctx context.Context, userID string) error {
	if err := t.repo.ClearCredentialSlot(ctx, userID, t.now()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return appErrors.Internal(err, "failed to revoke refresh token")
	}
	return nil
}

// ParseAccessToken verifies signature, expiry and type of an access token.
func (t *TokenIssuer) ParseAccessToken(token string) (*models.JWTClaims, error) {
	claims, err := t.parse(token, t.config.AccessSecret, models.TokenTypeAccess)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, "invalid token")
	}
	return claims, nil
}

func (t *TokenIssuer) sign(userID, email string, role models.UserRole, tokenType string, issuedAt time.Time, ttl time.Duration, secret string) (string, error) {
	claims := &models.JWTClaims{
		UserID:    userID,
		Role:      role,
		Email:     email,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    t.config.Issuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func (t *TokenIssuer) parse(raw, secret, tokenType string) (*models.JWTClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	}
	if t.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.config.Issuer))
	}

	token, err := jwt.ParseWithClaims(raw, &models.JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*models.JWTClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.TokenType != tokenType {
		return nil, fmt.Errorf("unexpected token type %q", claims.TokenType)
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

func invalidRefreshToken() error {
	return appErrors.Clone(appErrors.ErrInvalidRefreshToken, "")
}

// TokenDigest returns the hex SHA-256 digest stored in place of a token.
func TokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Fingerprint returns the display fingerprint of a refresh token.
func Fingerprint(token string) string {
	return TokenDigest(token)[:FingerprintLength]
}

func digestEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
