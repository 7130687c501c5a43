package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// maxJWTLen caps token size before parsing so a hostile client cannot make
// the verifier decode megabytes of base64.
const maxJWTLen = 8 * 1024

// JWTVerifier validates HS256 tokens. Tokens must carry an exp claim; any
// other signing algorithm is rejected.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(secret),
		now:    time.Now,
	}
}

func (v *JWTVerifier) Verify(token string) error {
	_, err := v.claims(token)
	return err
}

// Subject verifies the token and returns its sub claim, which operators may
// use to correlate relay sessions with their issuing system. The claim is
// optional; a valid token without one yields an empty string.
func (v *JWTVerifier) Subject(token string) (string, error) {
	claims, err := v.claims(token)
	if err != nil {
		return "", err
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return "", nil
	}
	return sub, nil
}

func (v *JWTVerifier) claims(token string) (jwt.MapClaims, error) {
	if token == "" || len(token) > maxJWTLen {
		return nil, ErrInvalidCredentials
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, v.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: token expired", ErrInvalidCredentials)
		}
		return nil, ErrInvalidCredentials
	}
	return claims, nil
}

func (v *JWTVerifier) keyFunc(*jwt.Token) (any, error) {
	return v.secret, nil
}
