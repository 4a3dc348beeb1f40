package jwt

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hbomb79/Harmony/internal/access"
	"github.com/hbomb79/Harmony/internal/api/apierr"
	"github.com/hbomb79/Harmony/pkg/logger"
	"github.com/labstack/echo/v4"
)

var (
	ErrAuthTokenMissing = errors.New("request does not contain an auth token")

	log = logger.Get("JWT-Auth")
)

const (
	AuthTokenCookieName = "auth-token"
	DefaultLifespan     = time.Hour * 24 * 30

	requesterContextKey = "requester"
	bearerPrefix        = "Bearer "
)

type (
	authTokenClaims struct {
		jwt.RegisteredClaims
	}

	// Provider issues and validates the bearer tokens which identify a
	// requester to the gateway. The subject of each token is the chat
	// user ID of the requester; whether that user may actually do
	// anything is decided by the access gate on each request, not by
	// the token. Tokens are minted by a separate process (harmony
	// -issue-token), so the provider keeps no record of them.
	Provider struct {
		secret   []byte
		lifespan time.Duration
	}
)

// NewJwtAuth creates a provider which signs tokens using HS256 and the
// secret provided. A lifespan of zero uses DefaultLifespan.
func NewJwtAuth(secret []byte, lifespan time.Duration) *Provider {
	if lifespan <= 0 {
		lifespan = DefaultLifespan
	}

	return &Provider{secret: secret, lifespan: lifespan}
}

// GenerateToken issues a signed token identifying the user provided
func (auth *Provider) GenerateToken(userID access.UserID) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, access.ErrInvalidUser
	}

	exp := time.Now().Add(auth.lifespan)
	claims := &authTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(userID),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(auth.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to generate auth token: %w", err)
	}

	log.Verbosef("Issued token for user %s, expiring %s\n", userID, exp.Format(time.RFC3339))
	return token, exp, nil
}

// Middleware returns an echo middleware which rejects any request
// without a valid token. The token is read from the Authorization
// header, or from the auth-token cookie for websocket upgrades.
func (auth *Provider) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ec echo.Context) error {
			token, err := tokenFromRequest(ec.Request())
			if err != nil {
				return apierr.ErrAPIUnauthorized
			}

			userID, err := auth.ValidateToken(token)
			if err != nil {
				log.Debugf("Rejecting request to %s: %v\n", ec.Request().RequestURI, err)
				return apierr.ErrAPIUnauthorized
			}

			ec.Set(requesterContextKey, userID)
			return next(ec)
		}
	}
}

// ValidateToken ensures that the provided token is signed using the
// secret/algorithm we expect, has not expired, and identifies a user.
// The user ID is returned.
func (auth *Provider) ValidateToken(token string) (access.UserID, error) {
	claims := &authTokenClaims{}
	tkn, err := jwt.ParseWithClaims(
		token,
		claims,
		func(token *jwt.Token) (interface{}, error) { return auth.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to parse JWT: %w", err)
	}
	if tkn == nil || !tkn.Valid {
		return "", errors.New("failed to verify JWT: token is expired or invalid")
	}
	if claims.Subject == "" {
		return "", errors.New("failed to extract user ID from JWT: subject missing")
	}

	return access.UserID(claims.Subject), nil
}

// GetAuthenticatedUserFromContext provides a way for endpoints
// to extract the requesters user ID from the context of their
// request. An error will be returned if no user can be found.
func GetAuthenticatedUserFromContext(ec echo.Context) (access.UserID, error) {
	userID, ok := ec.Get(requesterContextKey).(access.UserID)
	if !ok || userID == "" {
		return "", errors.New("no user found in request context")
	}

	return userID, nil
}

func tokenFromRequest(r *http.Request) (string, error) {
	if header := r.Header.Get(echo.HeaderAuthorization); header != "" {
		if !strings.HasPrefix(header, bearerPrefix) {
			return "", ErrAuthTokenMissing
		}

		return strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix)), nil
	}

	if cookie, err := r.Cookie(AuthTokenCookieName); err == nil && cookie.Value != "" {
		return cookie.Value, nil
	}

	return "", ErrAuthTokenMissing
}
