package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/forevermessage/forever-message/internal/config"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	ErrNoSubject    = errors.New("token has no user id")
)

// Verifier checks bearer tokens issued by the auth provider. It uses the
// provider's JWKS when configured and a shared HS256 secret otherwise.
type Verifier struct {
	secret []byte
	jwks   *keyfunc.JWKS
	issuer string
	log    zerolog.Logger
}

func NewVerifier(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Verifier, error) {
	v := &Verifier{
		issuer: strings.TrimSpace(cfg.AuthIssuer),
		log:    log.With().Str("component", "auth").Logger(),
	}
	if cfg.AuthJWKSURL == "" {
		if cfg.JWTSecret == "" {
			return nil, errors.New("auth: JWT_SECRET or AUTH_JWKS_URL is required")
		}
		v.secret = []byte(cfg.JWTSecret)
		return v, nil
	}

	options := keyfunc.Options{
		Ctx:               ctx,
		RefreshInterval:   time.Hour,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			v.log.Error().Err(err).Msg("jwks refresh error")
		},
	}
	jwks, err := keyfunc.Get(cfg.AuthJWKSURL, options)
	if err != nil {
		return nil, fmt.Errorf("auth: fetch jwks: %w", err)
	}
	v.jwks = jwks
	return v, nil
}

// NewHS256Verifier verifies tokens signed with a shared secret.
func NewHS256Verifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer, log: zerolog.Nop()}
}

// Close stops the background JWKS refresh.
func (v *Verifier) Close() {
	if v.jwks != nil {
		v.jwks.EndBackground()
	}
}

// Verify parses the token and returns the caller's user id.
func (v *Verifier) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrMissingToken
	}

	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var kf jwt.Keyfunc
	if v.jwks != nil {
		kf = v.jwks.Keyfunc
		opts = append(opts, jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256"}))
	} else {
		kf = func(t *jwt.Token) (interface{}, error) { return v.secret, nil }
		opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	}

	token, err := jwt.Parse(tokenString, kf, opts...)
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	return UserID(claims)
}

// UserID picks the user id out of the claims. Wallet logins carry the address
// in wallet_address; everything else uses sub.
func UserID(claims jwt.MapClaims) (string, error) {
	for _, key := range []string{"wallet_address", "sub", "user_id"} {
		if s, ok := claims[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s), nil
		}
	}
	return "", ErrNoSubject
}

// IssueHS256 signs a token for userID. Used by dev tooling and tests.
func IssueHS256(secret, issuer, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if issuer != "" {
		claims["iss"] = issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
