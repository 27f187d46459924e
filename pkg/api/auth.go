package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lumadb/sqlcluster/pkg/message"
)

const issuer = "sqlcluster"

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Authenticator issues and checks HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewAuthenticator returns nil when secret is empty, which disables auth.
func NewAuthenticator(secret string, ttl time.Duration) *Authenticator {
	if secret == "" {
		return nil
	}
	return &Authenticator{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// IssueToken creates a token for subject. A zero ttl never expires.
func (a *Authenticator) IssueToken(subject string) (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:  subject,
		Issuer:   issuer,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if a.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(a.ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Validate parses token and returns its subject.
func (a *Authenticator) Validate(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(a.now))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims.Subject, nil
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, message.ErrorBody{Error: ErrMissingToken.Error()})
			return
		}
		subject, err := a.Validate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, message.ErrorBody{Error: err.Error()})
			return
		}
		c.Set("subject", subject)
		c.Next()
	}
}
