// auth.go - Principal resolution for API requests
package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/lab-analyzer/backend/internal/models"
)

// Headers set by the upstream session layer.
const (
	HeaderPrincipalID   = "X-Principal-ID"
	HeaderPrincipalRole = "X-Principal-Role"
)

const principalKey = "principal"

// ErrUnauthenticated is returned when a request carries no usable identity.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves the caller of a request.
type Authenticator interface {
	Authenticate(r *http.Request) (models.Principal, error)
}

// HeaderAuthenticator trusts the principal headers set by the session layer
// in front of this service. When Token is set, requests must also carry it
// as a bearer token.
type HeaderAuthenticator struct {
	Token string
}

type principalHeaders struct {
	ID   string `validate:"required,max=128,printascii"`
	Role string `validate:"omitempty,max=64,alphanum"`
}

func (a HeaderAuthenticator) Authenticate(r *http.Request) (models.Principal, error) {
	if a.Token != "" {
		got, ok := strings.CutPrefix(r.Header.Get(echo.HeaderAuthorization), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(a.Token)) != 1 {
			return models.Principal{}, ErrUnauthenticated
		}
	}

	h := principalHeaders{
		ID:   strings.TrimSpace(r.Header.Get(HeaderPrincipalID)),
		Role: strings.TrimSpace(r.Header.Get(HeaderPrincipalRole)),
	}
	if err := requestValidate.Struct(h); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return models.Principal{}, ErrUnauthenticated
		}
		return models.Principal{}, err
	}
	return models.Principal{ID: h.ID, Role: strings.ToLower(h.Role)}, nil
}

// RequirePrincipal authenticates every request and stores the principal on
// the echo context.
func RequirePrincipal(auth Authenticator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p, err := auth.Authenticate(c.Request())
			if errors.Is(err, ErrUnauthenticated) {
				return NewUnauthorizedError("authentication required")
			}
			if err != nil {
				return NewInternalError("authentication failed", err)
			}
			c.Set(principalKey, p)
			return next(c)
		}
	}
}

// PrincipalFrom returns the principal stored by RequirePrincipal.
func PrincipalFrom(c echo.Context) models.Principal {
	p, _ := c.Get(principalKey).(models.Principal)
	return p
}
