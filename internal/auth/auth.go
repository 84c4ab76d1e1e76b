// internal/auth/auth.go
// Resolves the user behind an incoming websocket handshake.
package auth

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

var ErrUnauthorized = errors.New("unauthorized")

// Resolver returns the verified user id for a handshake request.
type Resolver interface {
	Resolve(r *http.Request) (int64, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(r *http.Request) (int64, error)

func (f ResolverFunc) Resolve(r *http.Request) (int64, error) { return f(r) }

type Options struct {
	Secret []byte
	Alg    string        // HS256/HS384/HS512, default HS256
	TTL    time.Duration // lifetime of issued tokens, default 1h

	// AllowQueryUserID accepts ?userId= when no token is present.
	// Development only.
	AllowQueryUserID bool
}

// JWTResolver verifies HMAC tokens from ?token= or an Authorization
// bearer header. The subject claim carries the user id.
type JWTResolver struct {
	opts Options
}

func NewJWTResolver(opts Options) *JWTResolver {
	return &JWTResolver{opts: opts}
}

func (j *JWTResolver) Resolve(r *http.Request) (int64, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}
	}
	if token != "" {
		if len(j.opts.Secret) == 0 {
			return 0, errors.Wrap(ErrUnauthorized, "token auth not configured")
		}
		return Verify(j.opts, token)
	}
	if j.opts.AllowQueryUserID {
		return parseUserID(r.URL.Query().Get("userId"))
	}
	return 0, errors.Wrap(ErrUnauthorized, "no credentials")
}

func parseUserID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Wrapf(ErrUnauthorized, "invalid user id %q", s)
	}
	return id, nil
}

// Issue mints a token for userID.
func Issue(opts Options, userID int64) (string, time.Time, error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", time.Time{}, err
	}
	if opts.TTL == 0 {
		opts.TTL = time.Hour
	}
	now := time.Now()
	exp := now.Add(opts.TTL)
	claims := jwtlib.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwtlib.NewNumericDate(now),
		NotBefore: jwtlib.NewNumericDate(now),
		ExpiresAt: jwtlib.NewNumericDate(exp),
	}
	signed, err := jwtlib.NewWithClaims(method, claims).SignedString(opts.Secret)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "sign token")
	}
	return signed, exp, nil
}

// Verify checks the signature and expiry and returns the subject as a user id.
func Verify(opts Options, token string) (int64, error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return 0, err
	}
	var claims jwtlib.RegisteredClaims
	_, err = jwtlib.ParseWithClaims(token, &claims, func(t *jwtlib.Token) (interface{}, error) {
		return opts.Secret, nil
	}, jwtlib.WithValidMethods([]string{method.Alg()}), jwtlib.WithExpirationRequired())
	if err != nil {
		return 0, errors.Wrapf(ErrUnauthorized, "verify token: %v", err)
	}
	return parseUserID(claims.Subject)
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg: %s (use HS256/HS384/HS512)", alg)
	}
}
