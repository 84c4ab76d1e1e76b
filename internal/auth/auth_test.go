package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	opts := Options{Secret: []byte("k"), Alg: "HS384"}
	tok, exp, err := Issue(opts, 42)
	if err != nil {
		t.Fatal(err)
	}
	if time.Until(exp) <= 0 {
		t.Fatalf("expiry in the past: %v", exp)
	}
	id, err := Verify(opts, tok)
	if err != nil || id != 42 {
		t.Fatalf("Verify = (%d, %v)", id, err)
	}
}

func TestVerifyRejects(t *testing.T) {
	good := Options{Secret: []byte("k")}
	tok, _, _ := Issue(good, 1)

	if _, err := Verify(Options{Secret: []byte("other")}, tok); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("wrong secret err = %v", err)
	}
	if _, err := Verify(Options{Secret: []byte("k"), Alg: "HS512"}, tok); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("alg mismatch err = %v", err)
	}

	expired, _, _ := Issue(Options{Secret: []byte("k"), TTL: -time.Minute}, 1)
	if _, err := Verify(good, expired); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expired err = %v", err)
	}
}

func TestJWTResolver_Resolve(t *testing.T) {
	opts := Options{Secret: []byte("k")}
	tok, _, _ := Issue(opts, 7)

	tests := []struct {
		name    string
		opts    Options
		target  string
		header  string
		want    int64
		wantErr bool
	}{
		{"query token", opts, "/ws?token=" + tok, "", 7, false},
		{"bearer header", opts, "/ws", "Bearer " + tok, 7, false},
		{"no credentials", opts, "/ws", "", 0, true},
		{"user id refused by default", opts, "/ws?userId=3", "", 0, true},
		{"user id allowed in dev", Options{AllowQueryUserID: true}, "/ws?userId=3", "", 3, false},
		{"zero user id", Options{AllowQueryUserID: true}, "/ws?userId=0", "", 0, true},
		{"garbage user id", Options{AllowQueryUserID: true}, "/ws?userId=abc", "", 0, true},
		{"token without secret", Options{AllowQueryUserID: true}, "/ws?token=" + tok, "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := NewJWTResolver(tt.opts).Resolve(r)
			if tt.wantErr {
				if !errors.Is(err, ErrUnauthorized) {
					t.Fatalf("err = %v, want ErrUnauthorized", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("Resolve = (%d, %v), want %d", got, err, tt.want)
			}
		})
	}
}
