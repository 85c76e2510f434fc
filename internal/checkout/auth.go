package checkout

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/apperr"
)

const principalKey = "checkout.principal"

// Claims are the bearer token claims.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifica tokens HS256 emitidos pela loja
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret), now: time.Now}
}

// Issue signs a token for subject; used by tooling and tests.
func (a *Authenticator) Issue(subject, role string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses a raw token.
func (a *Authenticator) Verify(raw string) (Principal, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil {
		return Principal{}, apperr.Wrap(apperr.CodeAuthInvalid, apperr.KindAuth, "invalid token", err)
	}
	if claims.Subject == "" {
		return Principal{}, apperr.New(apperr.CodeAuthInvalid, apperr.KindAuth, "token has no subject")
	}
	return Principal{Subject: claims.Subject, Role: claims.Role}, nil
}

func bearer(c *gin.Context) (string, bool) {
	h := c.GetHeader("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	return token, token != ""
}

// Required rejects requests without a valid bearer token.
func (a *Authenticator) Required() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearer(c)
		if !ok {
			abortWithError(c, apperr.New(apperr.CodeAuthRequired, apperr.KindAuth, "missing bearer token"))
			return
		}
		p, err := a.Verify(raw)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

// Optional attaches the principal when a valid token is present. A present
// but invalid token is still rejected.
func (a *Authenticator) Optional() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearer(c)
		if !ok {
			c.Next()
			return
		}
		p, err := a.Verify(raw)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.Set(principalKey, p)
		c.Next()
	}
}

func principalFrom(c *gin.Context) Principal {
	if v, ok := c.Get(principalKey); ok {
		if p, ok := v.(Principal); ok {
			return p
		}
	}
	return Principal{}
}
