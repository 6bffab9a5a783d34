// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-VST License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package driver

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/nishisan-dev/n-vst/internal/vpack"
)

// Authentication produz o payload VelocyPack da mensagem de autenticação VST,
// enviada pela conexão antes de qualquer request do usuário.
type Authentication interface {
	// Payload retorna o array de autenticação codificado.
	Payload() ([]byte, error)
	// Name identifica o método para logs ("plain", "jwt").
	Name() string
}

// BasicAuth autentica com usuário e senha.
// Payload: [1, 1000, "plain", user, password].
type BasicAuth struct {
	User     string
	Password string
}

func (a *BasicAuth) Payload() ([]byte, error) {
	if a.User == "" {
		return nil, fmt.Errorf("driver: basic auth without user")
	}
	return vpack.Array(
		vpack.Int(protocolVersion),
		vpack.Int(typeAuth),
		vpack.String("plain"),
		vpack.String(a.User),
		vpack.String(a.Password),
	), nil
}

func (a *BasicAuth) Name() string { return "plain" }

// JWTAuth autentica com um token JWT emitido pelo server.
// Payload: [1, 1000, "jwt", token].
type JWTAuth struct {
	token     string
	expiresAt time.Time
}

// NewJWTAuth valida a estrutura do token e extrai o claim de expiração.
// A assinatura não é verificada — o server é quem valida; aqui o parse só
// rejeita tokens malformados ou já expirados antes de gastar uma conexão.
func NewJWTAuth(token string) (*JWTAuth, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("driver: parsing jwt token: %w", err)
	}

	a := &JWTAuth{token: token}
	if exp, ok := claims["exp"].(float64); ok {
		a.expiresAt = time.Unix(int64(exp), 0)
		if !claims.VerifyExpiresAt(time.Now().Unix(), false) {
			return nil, fmt.Errorf("driver: jwt token expired at %s", a.expiresAt.Format(time.RFC3339))
		}
	}
	return a, nil
}

// ExpiresAt retorna a expiração do token (zero quando o token não tem exp).
func (a *JWTAuth) ExpiresAt() time.Time { return a.expiresAt }

func (a *JWTAuth) Payload() ([]byte, error) {
	return vpack.Array(
		vpack.Int(protocolVersion),
		vpack.Int(typeAuth),
		vpack.String("jwt"),
		vpack.String(a.token),
	), nil
}

func (a *JWTAuth) Name() string { return "jwt" }
