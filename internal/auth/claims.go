package auth

import "github.com/golang-jwt/jwt/v5"

// Claims are the only supported JWT claims shape for this service.
// The subject identifies the device, gateway or operator behind the token.
type Claims struct {
	jwt.RegisteredClaims

	Role string `json:"role"`
}
