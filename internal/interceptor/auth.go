package interceptor

import (
	"context"
	"crypto/subtle"

	"github.com/edgars/konneqt-api-gw/internal/config"
	gwerrors "github.com/edgars/konneqt-api-gw/internal/errors"
)

// UserKey is the exchange key under which authenticating interceptors store
// the caller's *User.
const UserKey = "user"

// User is the identity attached to an exchange by auth or jwt.
type User struct {
	ID   string
	Name string
}

type authSettings struct {
	Header   string   `yaml:"header"`
	Tokens   []string `yaml:"tokens"`
	UserID   string   `yaml:"user_id"`
	UserName string   `yaml:"user_name"`
}

// authInterceptor accepts a fixed list of Authorization values.
type authInterceptor struct {
	header string
	tokens [][]byte
	user   User
}

func newAuth(raw map[string]any) (Interceptor, error) {
	s := authSettings{
		Header:   "Authorization",
		Tokens:   []string{"Bearer valid-token"},
		UserID:   "123",
		UserName: "John Doe",
	}
	if err := config.DecodeSettings(raw, &s); err != nil {
		return nil, err
	}
	a := &authInterceptor{
		header: s.Header,
		user:   User{ID: s.UserID, Name: s.UserName},
	}
	for _, t := range s.Tokens {
		a.tokens = append(a.tokens, []byte(t))
	}
	return a, nil
}

func (a *authInterceptor) Intercept(_ context.Context, _ Stage, ex *Exchange) (*Response, error) {
	got := ex.Request.Header.Get(a.header)
	if got == "" {
		return ErrorResponse(gwerrors.ErrUnauthorized.WithDetails("missing " + a.header + " header")), nil
	}
	if !a.accepts([]byte(got)) {
		return ErrorResponse(gwerrors.ErrForbidden.WithDetails("invalid credentials")), nil
	}

	u := a.user
	ex.Set(UserKey, &u)
	ex.Request.Header.Set("X-User-Id", u.ID)
	ex.Request.Header.Set("X-User-Name", u.Name)
	return nil, nil
}

func (a *authInterceptor) accepts(got []byte) bool {
	ok := false
	for _, t := range a.tokens {
		if subtle.ConstantTimeCompare(got, t) == 1 {
			ok = true
		}
	}
	return ok
}
