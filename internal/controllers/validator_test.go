package controllers

import (
	"errors"

	"github.com/osvaldoandrade/historia/pkg/auth"
)

// staticValidator maps tokens to subjects.
type staticValidator map[string]string

func (v staticValidator) Validate(token string) (*auth.Claims, error) {
	sub, ok := v[token]
	if !ok {
		return nil, errors.New("invalid token")
	}
	return &auth.Claims{Subject: sub}, nil
}
