package jwttoken

import (
	authmw "consentline/pkg/platform/middleware/auth"
)

// JWTServiceAdapter narrows JWTService to the bearer middleware's validator.
// Scope is checked by JWTService, so only identity crosses over.
type JWTServiceAdapter struct {
	service *JWTService
}

func NewJWTServiceAdapter(service *JWTService) *JWTServiceAdapter {
	return &JWTServiceAdapter{service: service}
}

var _ authmw.TokenValidator = (*JWTServiceAdapter)(nil)

func (a *JWTServiceAdapter) ValidateToken(tokenString string) (*authmw.Claims, error) {
	claims, err := a.service.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	return &authmw.Claims{Subject: claims.Subject, JTI: claims.ID}, nil
}
