package integration

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestClaims identifies the librarian on whose behalf a test batch runs.
type TestClaims struct {
	SubjectID string
	TenantID  string
}

// libraryClaims is the token payload the bulk endpoint copies into the
// RequestContext.
type libraryClaims struct {
	TenantID string `json:"tenant_id,omitempty"`
	jwt.RegisteredClaims
}

// tokenIssuer mints HS256 tokens the harness endpoint accepts.
type tokenIssuer struct {
	secret []byte
}

func newTokenIssuer() *tokenIssuer {
	return &tokenIssuer{secret: []byte("integration-secret-with-enough-entropy")}
}

// GenerateToken mints a token valid for the next hour.
func (ti *tokenIssuer) GenerateToken(c TestClaims) string {
	return ti.mint(c, time.Hour)
}

// GenerateExpiredToken mints a token that expired an hour ago, well past the
// endpoint's clock skew allowance.
func (ti *tokenIssuer) GenerateExpiredToken(c TestClaims) string {
	return ti.mint(c, -time.Hour)
}

func (ti *tokenIssuer) mint(c TestClaims, ttl time.Duration) string {
	now := time.Now()
	issued := now
	if ttl < 0 {
		issued = now.Add(2 * ttl)
	}
	claims := libraryClaims{
		TenantID: c.TenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.SubjectID,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		panic("integration: sign token: " + err.Error())
	}
	return signed
}
