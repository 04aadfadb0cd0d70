package api

import (
	"net/http"
	"time"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// APIKeyAuth validates the X-API-Key header against the configured key.
// Requests without a valid key receive 401.
func APIKeyAuth(validKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.Request().Header.Get("X-API-Key")
			if key == "" || key != validKey {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing API key")
			}
			return next(c)
		}
	}
}

// PeerJWTAuth guards the federation endpoints with HS256 bearer tokens.
// /federation/info stays open so peers can discover capabilities before
// they hold a token.
func PeerJWTAuth(signingKey string) echo.MiddlewareFunc {
	jwtMiddleware := echojwt.WithConfig(echojwt.Config{
		SigningKey:    []byte(signingKey),
		SigningMethod: "HS256",
	})
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		guarded := jwtMiddleware(next)
		return func(c echo.Context) error {
			if c.Path() == "/federation/info" {
				return next(c)
			}
			return guarded(c)
		}
	}
}

// IssuePeerToken mints an HS256 token for a federation peer. Used by the
// CLI when onboarding a peer repository.
func IssuePeerToken(signingKey, peerURL string, ttl time.Duration) (string, error) {
	token, err := jwt.NewBuilder().
		Subject(peerURL).
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(ttl)).
		Build()
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, []byte(signingKey)))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}
