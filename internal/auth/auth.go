// Package auth validates bearer tokens issued by the LMS identity provider.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

const (
	RoleStudent    = "student"
	RoleTrainer    = "trainer"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "superadmin"
)

var ErrInvalidToken = errors.New("invalid or expired token")

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Email  string
	Role   string
}

// IsStaff reports whether the caller may act on any student's workspace.
func (p Principal) IsStaff() bool {
	switch p.Role {
	case RoleTrainer, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

type Verifier struct {
	keyfunc jwt.Keyfunc
	methods []string
	close   func()
}

// NewHMACVerifier accepts tokens signed with a shared secret.
func NewHMACVerifier(secret string) *Verifier {
	return &Verifier{
		keyfunc: func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(secret), nil
		},
		methods: []string{"HS256", "HS384", "HS512"},
	}
}

// NewJWKSVerifier accepts tokens signed by any key published at jwksURL. Keys are refreshed
// hourly and whenever an unknown key id shows up.
func NewJWKSVerifier(jwksURL string) (*Verifier, error) {
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		RefreshInterval:   time.Hour,
		RefreshRateLimit:  5 * time.Minute,
		RefreshTimeout:    10 * time.Second,
		RefreshUnknownKID: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load JWKS: %w", err)
	}
	return &Verifier{
		keyfunc: jwks.Keyfunc,
		methods: []string{"RS256", "RS384", "RS512", "ES256", "ES384", "EdDSA"},
		close:   jwks.EndBackground,
	}, nil
}

func (v *Verifier) Close() {
	if v.close != nil {
		v.close()
	}
}

// Verify parses tokenStr and returns the caller it identifies.
func (v *Verifier) Verify(tokenStr string) (*Principal, error) {
	token, err := jwt.Parse(tokenStr, v.keyfunc, jwt.WithValidMethods(v.methods))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}

	p := &Principal{UserID: sub, Role: roleFrom(claims)}
	p.Email, _ = claims["email"].(string)
	return p, nil
}

// roleFrom reads the LMS role from user_role, app_metadata.role or role, in that order.
// Anything unrecognised is treated as a student.
func roleFrom(claims jwt.MapClaims) string {
	candidates := []interface{}{claims["user_role"]}
	if meta, ok := claims["app_metadata"].(map[string]interface{}); ok {
		candidates = append(candidates, meta["role"])
	}
	candidates = append(candidates, claims["role"])

	for _, c := range candidates {
		role, _ := c.(string)
		switch role {
		case RoleStudent, RoleTrainer, RoleAdmin, RoleSuperAdmin:
			return role
		}
	}
	return RoleStudent
}
