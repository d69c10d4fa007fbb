package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	DefaultCSRFCookieName = "csrf_token"
	DefaultCSRFHeaderName = "X-CSRF-Token"
	csrfCookieTTL         = 24 * 60 * 60
)

// CSRF implements double-submit protection: the page reads the cookie and
// echoes it in a header on every mutating request.
type CSRF struct {
	cookieName string
	headerName string
}

func NewCSRF() *CSRF {
	return &CSRF{cookieName: DefaultCSRFCookieName, headerName: DefaultCSRFHeaderName}
}

func (s *CSRF) CookieName() string { return s.cookieName }

func (s *CSRF) HeaderName() string { return s.headerName }

// EnsureCookie issues a token unless the request already carries one, and
// returns the token in effect. The cookie is marked Secure only when the
// request itself arrived over TLS; a plain HTTP page could not read it back.
func (s *CSRF) EnsureCookie(c *gin.Context) (string, error) {
	if existing, err := c.Cookie(s.cookieName); err == nil && existing != "" {
		return existing, nil
	}
	token, err := generateToken()
	if err != nil {
		return "", err
	}
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     s.cookieName,
		Value:    token,
		MaxAge:   csrfCookieTTL,
		Path:     "/",
		Secure:   c.Request.TLS != nil,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
	return token, nil
}

// Middleware rejects mutating requests whose header token does not match the cookie.
func (s *CSRF) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !requiresCSRFCheck(c.Request.Method) {
			c.Next()
			return
		}
		headerToken := c.GetHeader(s.headerName)
		cookieToken, err := c.Cookie(s.cookieName)
		if err != nil || headerToken == "" || cookieToken == "" || headerToken != cookieToken {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid csrf token"})
			return
		}
		c.Next()
	}
}

func requiresCSRFCheck(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return true
	}
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
