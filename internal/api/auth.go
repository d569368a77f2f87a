package api

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v4"
)

// Locals keys populated by authJWT.
const (
	LocTenantID = "tenant_id"
	LocUserID   = "user_id"
	LocRole     = "role"
)

const RoleAdmin = "admin"

// Claims is the bearer token body. Tokens are issued elsewhere; this service
// only verifies them.
type Claims struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

var errNoTenant = errors.New("token has no tenant")

func parseToken(raw string, secret []byte, issuer string) (*Claims, error) {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !tok.Valid {
		return nil, errors.New("invalid token")
	}
	if issuer != "" && claims.Issuer != issuer {
		return nil, errors.New("unexpected issuer")
	}
	if strings.TrimSpace(claims.TenantID) == "" {
		return nil, errNoTenant
	}
	return claims, nil
}

// authJWT verifies "Authorization: Bearer <token>" and stores the tenant,
// role and subject in Locals.
func authJWT(secret, issuer string) fiber.Handler {
	key := []byte(secret)
	return func(c *fiber.Ctx) error {
		authz := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
		if len(authz) < 7 || !strings.EqualFold(authz[:7], "bearer ") {
			return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
		}
		claims, err := parseToken(strings.TrimSpace(authz[7:]), key, issuer)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
		}
		c.Locals(LocTenantID, strings.TrimSpace(claims.TenantID))
		c.Locals(LocUserID, claims.Subject)
		c.Locals(LocRole, strings.ToLower(strings.TrimSpace(claims.Role)))
		return c.Next()
	}
}

func requireRole(role string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if r, _ := c.Locals(LocRole).(string); r != role {
			return fiber.NewError(fiber.StatusForbidden, "forbidden")
		}
		return c.Next()
	}
}

func tenantOf(c *fiber.Ctx) string {
	s, _ := c.Locals(LocTenantID).(string)
	return s
}
