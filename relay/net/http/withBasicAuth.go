package http

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	constant "github.com/LerianStudio/workflow-relay/relay/constants"
	"github.com/gofiber/fiber/v2"
)

// BasicAuthFunc reports whether a username and password are accepted.
type BasicAuthFunc func(username, password string) bool

// FixedBasicAuthFunc accepts exactly one username and password, compared in
// constant time.
func FixedBasicAuthFunc(username, password string) BasicAuthFunc {
	return func(user, pass string) bool {
		userMatch := subtle.ConstantTimeCompare([]byte(user), []byte(username))
		passMatch := subtle.ConstantTimeCompare([]byte(pass), []byte(password))

		return userMatch&passMatch == 1
	}
}

// WithBasicAuth rejects requests whose credentials f does not accept.
func WithBasicAuth(f BasicAuthFunc, realm string) fiber.Handler {
	safeRealm := sanitizeBasicAuthRealm(realm)

	return func(c *fiber.Ctx) error {
		if f == nil {
			return unauthorizedResponse(c, safeRealm)
		}

		scheme, encoded, found := strings.Cut(c.Get(constant.Authorization), " ")
		if !found || scheme != constant.Basic {
			return unauthorizedResponse(c, safeRealm)
		}

		cred, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return unauthorizedResponse(c, safeRealm)
		}

		user, pass, found := strings.Cut(string(cred), ":")
		if !found || !f(user, pass) {
			return unauthorizedResponse(c, safeRealm)
		}

		return c.Next()
	}
}

func sanitizeBasicAuthRealm(realm string) string {
	realm = strings.TrimSpace(realm)

	return strings.NewReplacer("\r", "", "\n", "", "\"", "").Replace(realm)
}

func unauthorizedResponse(c *fiber.Ctx, realm string) error {
	c.Set(constant.WWWAuthenticate, `Basic realm="`+realm+`"`)

	return RespondError(c, http.StatusUnauthorized, "invalid_credentials", "The provided credentials are invalid.")
}
