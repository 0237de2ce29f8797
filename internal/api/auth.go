package api

import (
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v4"
)

const (
	authHeader     = "Authorization"
	bearerPrefix   = "Bearer "
	callbackHeader = "X-Callback-Secret"

	localsClaims = "claims"
)

// Roles carried in the bearer token.
const (
	RoleTenant   = "tenant"
	RoleOperator = "operator"
)

// Claims is the JWT payload: subject is the user id.
type Claims struct {
	Role     string `json:"role"`
	TenantID string `json:"tenant_id,omitempty"`
	jwt.RegisteredClaims
}

// SignToken issues an HS256 token for subject with the given role.
func SignToken(secret []byte, subject, role, tenantID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Role:     role,
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// requireRole validates the bearer token and admits only the listed roles.
func requireRole(secret []byte, roles ...string) fiber.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	return func(c *fiber.Ctx) error {
		h := c.Get(authHeader)
		if len(h) < len(bearerPrefix) || !strings.EqualFold(h[:len(bearerPrefix)], bearerPrefix) {
			return fiber.NewError(fiber.StatusUnauthorized, "missing/invalid Authorization header")
		}
		raw := strings.TrimSpace(h[len(bearerPrefix):])
		if raw == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid bearer token")
		}

		var claims Claims
		token, err := parser.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
			if t.Method != jwt.SigningMethodHS256 {
				return nil, errors.New("unexpected signing method")
			}
			return secret, nil
		})
		if err != nil || !token.Valid {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid or expired token")
		}
		if strings.TrimSpace(claims.Subject) == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "token missing subject")
		}
		if claims.Role == RoleTenant && strings.TrimSpace(claims.TenantID) == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "tenant token missing tenant_id")
		}

		allowed := false
		for _, r := range roles {
			if claims.Role == r {
				allowed = true
				break
			}
		}
		if !allowed {
			return fiber.NewError(fiber.StatusForbidden, "insufficient role")
		}

		c.Locals(localsClaims, &claims)
		return c.Next()
	}
}

func claimsFrom(c *fiber.Ctx) *Claims {
	claims, _ := c.Locals(localsClaims).(*Claims)
	return claims
}

// requireCallbackSecret guards the payment provider callback. An unset
// secret disables the route.
func requireCallbackSecret(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if secret == "" {
			return fiber.NewError(fiber.StatusServiceUnavailable, "payment callback not configured")
		}
		got := c.Get(callbackHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			return fiber.NewError(fiber.StatusForbidden, "invalid callback secret")
		}
		return c.Next()
	}
}
