package auth

import (
	"time"
)

// Claims is the verified identity carried by a bearer token.
type Claims struct {
	Subject   string
	Email     string
	Name      string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Scopes    []string
	Raw       map[string]interface{}
}

// HasScope checks if the claims contain a specific scope
func (c *Claims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Validator validates authentication tokens
type Validator interface {
	Validate(token string) (*Claims, error)
}
