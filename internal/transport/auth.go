package transport

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/qset/model"
)

const clockSkew = 30 * time.Second

var errDisallowedAlgorithm = errors.New("disallowed signing algorithm")

// JWTAuthenticator returns middleware admitting requests whose bearer token
// is an HS256 JWT signed with secret and carrying an exp claim. Verified
// claims and the raw token are stored in the request context for
// BuildRequestContext.
func JWTAuthenticator(secret []byte) func(http.Handler) http.Handler {
	parser := jwt.NewParser(
		jwt.WithLeeway(clockSkew),
		jwt.WithExpirationRequired(),
	)
	keyFunc := func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errDisallowedAlgorithm
		}
		return secret, nil
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, problem := bearerCredential(r.Header.Get("Authorization"))
			if problem != "" {
				WriteError(w, model.NewUnauthorizedError(problem))
				return
			}

			claims := jwt.MapClaims{}
			if _, err := parser.ParseWithClaims(raw, claims, keyFunc); err != nil {
				WriteError(w, model.NewUnauthorizedError(rejectionMessage(err)))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims, raw)))
		})
	}
}

// bearerCredential extracts the token from an Authorization header value. A
// non-empty problem describes why the header is unusable.
func bearerCredential(header string) (token, problem string) {
	if header == "" {
		return "", "Missing authorization header"
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", "Invalid authorization header format"
	}
	return token, ""
}

func rejectionMessage(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, errDisallowedAlgorithm):
		return "Disallowed signing algorithm"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "Invalid token signature"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "Missing expiration claim"
	}
	return "Invalid token"
}
