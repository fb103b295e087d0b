package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

const (
	operatorTokenTTL  = 30 * 24 * time.Hour
	operatorRole      = "operator"
	lobbyBcryptCost   = 10
	maxLobbyPassword  = 72 // bcrypt input limit
	secretSettingsKey = "jwt_secret"
)

// Auth issues and validates operator tokens for the HTTP API.
type Auth struct {
	jwtSecret []byte
}

// NewAuth uses the configured secret, or else one stored in (or created in) db.
func NewAuth(db *DB, secret string) *Auth {
	if secret != "" {
		return &Auth{jwtSecret: []byte(secret)}
	}
	return &Auth{jwtSecret: loadOrCreateSecret(db)}
}

// loadOrCreateSecret loads the JWT secret from the database, or generates
// and persists a new one if none exists.
func loadOrCreateSecret(db *DB) []byte {
	if db != nil {
		if h := db.GetSetting(secretSettingsKey); h != "" {
			if b, err := hex.DecodeString(h); err == nil && len(b) == 32 {
				return b
			}
		}
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		panic("failed to generate JWT secret: " + err.Error())
	}
	if db != nil {
		if err := db.SetSetting(secretSettingsKey, hex.EncodeToString(secret)); err != nil {
			log.Warn().Err(err).Msg("could not persist JWT secret")
		}
	} else {
		log.Warn().Msg("no JWT secret configured and no database; operator tokens will not survive a restart")
	}
	return secret
}

// IssueToken signs an operator token for subject.
func (a *Auth) IssueToken(subject string, ttl time.Duration, now time.Time) (string, error) {
	if ttl <= 0 {
		ttl = operatorTokenTTL
	}
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": operatorRole,
		"exp":  now.Add(ttl).Unix(),
		"iat":  now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.jwtSecret)
}

// ValidateToken checks an operator token and returns its subject.
func (a *Auth) ValidateToken(tokenStr string) (string, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return a.jwtSecret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	if role, _ := claims["role"].(string); role != operatorRole {
		return "", fmt.Errorf("not an operator token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("invalid token claims")
	}
	return sub, nil
}

// Middleware rejects requests without a valid operator bearer token.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if _, err := a.ValidateToken(raw); err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// hashPassword hashes a lobby password.
func hashPassword(pw string) ([]byte, error) {
	if len(pw) > maxLobbyPassword {
		return nil, errors.New("password too long")
	}
	return bcrypt.GenerateFromPassword([]byte(pw), lobbyBcryptCost)
}

func checkPassword(hash []byte, pw string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(pw)) == nil
}
