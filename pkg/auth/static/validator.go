// Package static accepts a fixed set of bearer tokens. It backs local
// development and tests, where several users are needed to exercise task
// ownership without an identity provider.
package static

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/osvaldoandrade/historia/pkg/auth"
)

// User is one accepted token and the identity it maps to.
type User struct {
	Token   string `json:"token"`
	Subject string `json:"subject,omitempty"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
}

// validatorConfig accepts a bare JSON string holding the token, a single
// user object, or {"users": [...]}.
type validatorConfig struct {
	User
	Users []User `json:"users,omitempty"`
}

type validator struct {
	users []User
}

var ErrInvalidToken = errors.New("invalid token")

func NewValidatorFromJSON(raw json.RawMessage) (auth.Validator, error) {
	raw = json.RawMessage(strings.TrimSpace(string(raw)))
	if len(raw) == 0 {
		return nil, errors.New("static auth: missing config")
	}

	var cfg validatorConfig
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &cfg.Token); err != nil {
			return nil, fmt.Errorf("static auth: invalid config: %w", err)
		}
	} else if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("static auth: invalid config: %w", err)
	}

	users := cfg.Users
	if strings.TrimSpace(cfg.Token) != "" {
		users = append([]User{cfg.User}, users...)
	}
	if len(users) == 0 {
		return nil, errors.New("static auth: token is required")
	}

	seen := make(map[string]bool, len(users))
	for i := range users {
		u := &users[i]
		u.Token = strings.TrimSpace(u.Token)
		u.Subject = strings.TrimSpace(u.Subject)
		if u.Token == "" {
			return nil, fmt.Errorf("static auth: user %d has no token", i)
		}
		if seen[u.Token] {
			return nil, fmt.Errorf("static auth: duplicate token for user %d", i)
		}
		seen[u.Token] = true
		if u.Subject == "" {
			u.Subject = "static"
		}
	}
	return &validator{users: users}, nil
}

// Validate compares against every configured token so the time taken does
// not depend on which one matched.
func (v *validator) Validate(token string) (*auth.Claims, error) {
	token = strings.TrimSpace(token)
	var match *User
	for i := range v.users {
		if subtle.ConstantTimeCompare([]byte(token), []byte(v.users[i].Token)) == 1 {
			match = &v.users[i]
		}
	}
	if match == nil {
		return nil, ErrInvalidToken
	}
	return &auth.Claims{
		Subject: match.Subject,
		Email:   match.Email,
		Name:    match.Name,
	}, nil
}

func init() {
	auth.RegisterProvider("static", NewValidatorFromJSON)
}
