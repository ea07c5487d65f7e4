package api

import (
	"crypto/rsa"
	"fmt"
	"os"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

// AuthConfig configures the bearer-JWT verification middleware. The
// agent never issues tokens, only verifies ones minted by the cloud
// control plane against its published public key.
type AuthConfig struct {
	PublicKeyPath string
	SkipPaths     []string
}

// LoadPublicKey reads and parses an RSA public key in PEM format.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading jwt public key: %w", err)
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing jwt public key: %w", err)
	}
	return key, nil
}

// JWTVerifyMiddleware rejects any request without a valid bearer token
// signed by the given public key. Paths under cfg.SkipPaths bypass the
// check entirely (used for /healthz).
func JWTVerifyMiddleware(key *rsa.PublicKey, cfg AuthConfig) fiber.Handler {
	return func(c *fiber.Ctx) error {
		path := c.Path()
		for _, skip := range cfg.SkipPaths {
			if strings.HasPrefix(path, skip) {
				return c.Next()
			}
		}

		authHeader := c.Get("Authorization")
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == "" || tokenString == authHeader {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing bearer token"})
		}

		_, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return key, nil
		})
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid token: " + err.Error()})
		}

		return c.Next()
	}
}
