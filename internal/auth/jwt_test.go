package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

func TestMakeJWT(t *testing.T) {
	userID := uuid.New()
	secret := "test-secret"

	token, err := MakeJWT(userID, secret, time.Hour)
	if err != nil {
		t.Fatalf("MakeJWT() error = %v", err)
	}

	if token == "" {
		t.Error("MakeJWT() returned empty token")
	}

	parsedUserID, err := ValidateJWT(token, secret)
	if err != nil {
		t.Fatalf("ValidateJWT() error = %v", err)
	}

	if parsedUserID != userID {
		t.Errorf("ValidateJWT() = %v, want %v", parsedUserID, userID)
	}
}

func TestValidateJWT(t *testing.T) {
	userID := uuid.New()
	secret := "test-secret"

	tests := []struct {
		name    string
		token   string
		secret  string
		wantErr bool
	}{
		{
			name:    "Valid token",
			token:   mustMakeJWT(userID, secret, time.Hour),
			secret:  secret,
			wantErr: false,
		},
		{
			name:    "Invalid secret",
			token:   mustMakeJWT(userID, secret, time.Hour),
			secret:  "wrong-secret",
			wantErr: true,
		},
		{
			name:    "Expired token",
			token:   mustMakeJWT(userID, secret, -time.Hour),
			secret:  secret,
			wantErr: true,
		},
		{
			name:    "Malformed token",
			token:   "not.a.valid.token",
			secret:  secret,
			wantErr: true,
		},
		{
			name:    "Foreign issuer",
			token:   mustSign(jwt.RegisteredClaims{Issuer: "elsewhere", Subject: userID.String(), ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}, secret),
			secret:  secret,
			wantErr: true,
		},
		{
			name:    "Non-UUID subject",
			token:   mustSign(jwt.RegisteredClaims{Issuer: issuer, Subject: "42", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}, secret),
			secret:  secret,
			wantErr: true,
		},
		{
			name:    "Missing expiry",
			token:   mustSign(jwt.RegisteredClaims{Issuer: issuer, Subject: userID.String()}, secret),
			secret:  secret,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateJWT(tt.token, tt.secret)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateJWT() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func mustMakeJWT(userID uuid.UUID, secret string, duration time.Duration) string {
	token, err := MakeJWT(userID, secret, duration)
	if err != nil {
		panic(err)
	}
	return token
}

func mustSign(claims jwt.RegisteredClaims, secret string) string {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		panic(err)
	}
	return token
}
