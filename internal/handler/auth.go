package handler

import (
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/keyauth"
)

// BearerAuth rejects requests whose Authorization header does not carry one
// of the given tokens. Empty tokens are ignored; with none left every request
// is rejected.
func BearerAuth(tokens ...string) fiber.Handler {
	valid := make([][]byte, 0, len(tokens))
	for _, token := range tokens {
		if token = strings.TrimSpace(token); token != "" {
			valid = append(valid, []byte(token))
		}
	}

	return keyauth.New(keyauth.Config{
		KeyLookup:  "header:" + fiber.HeaderAuthorization,
		AuthScheme: "Bearer",
		Validator: func(_ *fiber.Ctx, key string) (bool, error) {
			if isValidToken([]byte(key), valid) {
				return true, nil
			}
			return false, errInvalidToken
		},
		ErrorHandler: func(_ *fiber.Ctx, err error) error {
			if errors.Is(err, keyauth.ErrMissingOrMalformedAPIKey) {
				return fiber.NewError(fiber.StatusUnauthorized, "missing bearer token")
			}
			return fiber.NewError(fiber.StatusUnauthorized, "invalid bearer token")
		},
	})
}

var errInvalidToken = errors.New("invalid bearer token")

func isValidToken(token []byte, valid [][]byte) bool {
	for _, v := range valid {
		if subtle.ConstantTimeCompare(token, v) == 1 {
			return true
		}
	}
	return false
}
