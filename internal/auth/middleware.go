package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type subjectKey struct{}

// GinSubjectKey is the gin context key holding the authenticated subject.
const GinSubjectKey = "auth.subject"

var (
	errNoHeader    = errors.New("authorization header required")
	errNotBearer   = errors.New("bearer token required")
	errNoSubject   = errors.New("token has no subject")
	errNoSecret    = errors.New("token verification is not configured")
	errTokenFailed = errors.New("invalid token")
)

// WithSubject returns a copy of ctx carrying the caller identity.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFromContext retrieves the authenticated subject, if any.
func SubjectFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	subject, ok := ctx.Value(subjectKey{}).(string)
	return subject, ok && subject != ""
}

// JWTMiddleware guards a route group with HS256/384/512 bearer tokens. The
// token subject identifies the uploader in audit records. An empty audience
// disables the audience check.
func JWTMiddleware(secret, audience string) gin.HandlerFunc {
	key := []byte(strings.TrimSpace(secret))
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
	}
	if aud := strings.TrimSpace(audience); aud != "" {
		opts = append(opts, jwt.WithAudience(aud))
	}
	parser := jwt.NewParser(opts...)

	return func(c *gin.Context) {
		subject, err := verify(parser, key, c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Request = c.Request.WithContext(WithSubject(c.Request.Context(), subject))
		c.Set(GinSubjectKey, subject)
		c.Next()
	}
}

func verify(parser *jwt.Parser, key []byte, header string) (string, error) {
	if len(key) == 0 {
		return "", errNoSecret
	}
	if header == "" {
		return "", errNoHeader
	}
	scheme, raw, found := strings.Cut(header, " ")
	raw = strings.TrimSpace(raw)
	if !found || !strings.EqualFold(scheme, "Bearer") || raw == "" {
		return "", errNotBearer
	}

	var claims jwt.RegisteredClaims
	if _, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (interface{}, error) {
		return key, nil
	}); err != nil {
		return "", errTokenFailed
	}
	if claims.Subject == "" {
		return "", errNoSubject
	}
	return claims.Subject, nil
}
