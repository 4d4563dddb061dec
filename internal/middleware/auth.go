package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/osvaldoandrade/historia/pkg/auth"
	"github.com/osvaldoandrade/historia/pkg/domain"

	"github.com/gin-gonic/gin"
)

const (
	HeaderAnonymousID = "X-Anonymous-Id"

	ownerKey  = "owner"
	claimsKey = "userClaims"

	maxAnonymousIDLen = 128
)

// OwnerMiddleware resolves the caller from a bearer token or, failing that,
// the anonymous session header. A request with neither passes through without
// an owner; a bearer token that does not validate is rejected.
func OwnerMiddleware(validator auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if header := c.GetHeader("Authorization"); strings.TrimSpace(header) != "" {
			if validator == nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bearer authentication is not enabled"})
				return
			}
			claims, err := validateBearer(validator, header)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
				return
			}
			c.Set(claimsKey, claims)
			c.Set(ownerKey, domain.UserOwner(claims.Subject))
			c.Next()
			return
		}
		if anon := strings.TrimSpace(c.GetHeader(HeaderAnonymousID)); anon != "" {
			if len(anon) > maxAnonymousIDLen {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid anonymous id"})
				return
			}
			c.Set(ownerKey, domain.AnonymousOwner(anon))
		}
		c.Next()
	}
}

// RequireOwner rejects requests that carry no identity at all.
func RequireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetOwner(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}
		c.Next()
	}
}

// GetOwner returns the owner resolved by OwnerMiddleware.
func GetOwner(c *gin.Context) (domain.OwnerRef, bool) {
	v, ok := c.Get(ownerKey)
	if !ok {
		return domain.OwnerRef{}, false
	}
	owner, ok := v.(domain.OwnerRef)
	if !ok || owner.Validate() != nil {
		return domain.OwnerRef{}, false
	}
	return owner, true
}

func GetClaims(c *gin.Context) *auth.Claims {
	if v, ok := c.Get(claimsKey); ok {
		if claims, ok := v.(*auth.Claims); ok {
			return claims
		}
	}
	return nil
}

func validateBearer(validator auth.Validator, authHeader string) (*auth.Claims, error) {
	if strings.TrimSpace(authHeader) == "" {
		return nil, fmt.Errorf("missing Authorization header")
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, fmt.Errorf("invalid Authorization format")
	}
	claims, err := validator.Validate(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	return claims, nil
}
