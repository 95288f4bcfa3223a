package interceptor

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/edgars/konneqt-api-gw/internal/config"
	gwerrors "github.com/edgars/konneqt-api-gw/internal/errors"
)

// ClaimsKey is the exchange key holding verified jwt.MapClaims.
const ClaimsKey = "jwt.claims"

type jwtSettings struct {
	Secret     string        `yaml:"secret"`
	Algorithms []string      `yaml:"algorithms"`
	Issuer     string        `yaml:"issuer"`
	Audience   []string      `yaml:"audience"`
	Header     string        `yaml:"header"`
	CacheSize  int           `yaml:"cache_size"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
}

type verifiedToken struct {
	claims jwt.MapClaims
	sub    string
	name   string
	exp    time.Time
}

// jwtInterceptor validates HMAC-signed bearer tokens. Verified tokens are
// cached until the earlier of their expiry and the cache TTL.
type jwtInterceptor struct {
	header   string
	audience []string
	parser   *jwt.Parser
	keyFunc  jwt.Keyfunc
	cache    *expirable.LRU[string, *verifiedToken]
	now      func() time.Time
}

func newJWT(raw map[string]any) (Interceptor, error) {
	s := jwtSettings{
		Algorithms: []string{"HS256"},
		Header:     "Authorization",
		CacheSize:  1024,
		CacheTTL:   5 * time.Minute,
	}
	if err := config.DecodeSettings(raw, &s); err != nil {
		return nil, err
	}
	if s.Secret == "" {
		return nil, fmt.Errorf("secret is required")
	}
	for _, alg := range s.Algorithms {
		switch alg {
		case "HS256", "HS384", "HS512":
		default:
			return nil, fmt.Errorf("unsupported algorithm %q", alg)
		}
	}

	secret := []byte(s.Secret)
	opts := []jwt.ParserOption{jwt.WithValidMethods(s.Algorithms)}
	if s.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.Issuer))
	}

	j := &jwtInterceptor{
		header:   s.Header,
		audience: s.Audience,
		keyFunc: func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return secret, nil
		},
		now: time.Now,
	}
	opts = append(opts, jwt.WithTimeFunc(func() time.Time { return j.now() }))
	j.parser = jwt.NewParser(opts...)
	if s.CacheSize > 0 {
		j.cache = expirable.NewLRU[string, *verifiedToken](s.CacheSize, nil, s.CacheTTL)
	}
	return j, nil
}

func (j *jwtInterceptor) Intercept(_ context.Context, _ Stage, ex *Exchange) (*Response, error) {
	raw := bearerToken(ex.Request.Header.Get(j.header))
	if raw == "" {
		return ErrorResponse(gwerrors.ErrUnauthorized.WithDetails("Bearer token not provided")), nil
	}

	vt, err := j.verify(raw)
	if err != nil {
		return ErrorResponse(gwerrors.ErrUnauthorized.WithDetails(err.Error())), nil
	}

	ex.Set(ClaimsKey, vt.claims)
	ex.Set(UserKey, &User{ID: vt.sub, Name: vt.name})
	if vt.sub != "" {
		ex.Request.Header.Set("X-User-Id", vt.sub)
	}
	return nil, nil
}

func (j *jwtInterceptor) verify(raw string) (*verifiedToken, error) {
	if j.cache != nil {
		if vt, ok := j.cache.Get(raw); ok {
			if vt.exp.IsZero() || j.now().Before(vt.exp) {
				return vt, nil
			}
			j.cache.Remove(raw)
		}
	}

	token, err := j.parser.Parse(raw, j.keyFunc)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if len(j.audience) > 0 {
		aud, _ := claims.GetAudience()
		if !slices.ContainsFunc(aud, func(a string) bool { return slices.Contains(j.audience, a) }) {
			return nil, fmt.Errorf("invalid token audience")
		}
	}

	vt := &verifiedToken{claims: claims}
	vt.sub, _ = claims.GetSubject()
	vt.name, _ = claims["name"].(string)
	if exp, _ := claims.GetExpirationTime(); exp != nil {
		vt.exp = exp.Time
	}
	if j.cache != nil {
		j.cache.Add(raw, vt)
	}
	return vt, nil
}

func bearerToken(h string) string {
	const prefix = "bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}
