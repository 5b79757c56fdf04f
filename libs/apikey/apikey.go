// Package apikey issues and verifies the credentials presented by authorized
// callers (external programs that lock, unlock and transfer collateral).
package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

const keyScheme = "vk"

var (
	ErrInvalidKey       = errors.New("invalid api key")
	ErrRevokedKey       = errors.New("revoked api key")
	ErrIPNotAllowed     = errors.New("ip not allowed")
	ErrInvalidWhitelist = errors.New("invalid ip whitelist")
)

// Record is the stored half of a caller credential. CallerID is the identity
// the ledger knows the caller by.
type Record struct {
	Prefix      string
	CallerID    string
	KeyHash     string
	IPWhitelist []string
	RevokedAt   *time.Time
}

// Generate returns the full key handed to the caller plus the prefix and hash to store.
func Generate(env string) (fullKey string, prefix string, hash string, err error) {
	prefix, err = generatePrefix()
	if err != nil {
		return "", "", "", err
	}
	secret, err := generateSecret()
	if err != nil {
		return "", "", "", err
	}
	fullKey = fmt.Sprintf("%s_%s_%s.%s", keyScheme, env, prefix, secret)
	hash = Hash(prefix, secret)
	return fullKey, prefix, hash, nil
}

func Parse(key string) (env string, prefix string, secret string, err error) {
	parts := strings.SplitN(strings.TrimSpace(key), ".", 2)
	if len(parts) != 2 {
		return "", "", "", ErrInvalidKey
	}
	head := parts[0]
	secret = parts[1]

	headParts := strings.SplitN(head, "_", 3)
	if len(headParts) != 3 || headParts[0] != keyScheme {
		return "", "", "", ErrInvalidKey
	}
	env = headParts[1]
	prefix = headParts[2]
	if env == "" || prefix == "" || secret == "" {
		return "", "", "", ErrInvalidKey
	}
	return env, prefix, secret, nil
}

func Hash(prefix, secret string) string {
	sum := sha256.Sum256([]byte(prefix + "." + secret))
	return hex.EncodeToString(sum[:])
}

// Verify checks the key against its stored record and returns the caller identity.
func Verify(key string, record Record, clientIP string) (string, error) {
	_, prefix, secret, err := Parse(key)
	if err != nil {
		return "", err
	}

	hash := Hash(prefix, secret)
	if subtle.ConstantTimeCompare([]byte(hash), []byte(strings.ToLower(record.KeyHash))) != 1 {
		return "", ErrInvalidKey
	}
	if record.RevokedAt != nil {
		return "", ErrRevokedKey
	}
	if !IPAllowed(clientIP, record.IPWhitelist) {
		return "", ErrIPNotAllowed
	}
	return record.CallerID, nil
}

func ValidateIPWhitelist(whitelist []string) error {
	for _, entry := range whitelist {
		if strings.TrimSpace(entry) == "" {
			return ErrInvalidWhitelist
		}
		if strings.Contains(entry, "/") {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				return ErrInvalidWhitelist
			}
			continue
		}
		if net.ParseIP(entry) == nil {
			return ErrInvalidWhitelist
		}
	}
	return nil
}

func IPAllowed(clientIP string, whitelist []string) bool {
	if len(whitelist) == 0 {
		return true
	}
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	for _, entry := range whitelist {
		if strings.Contains(entry, "/") {
			_, netw, err := net.ParseCIDR(entry)
			if err == nil && netw.Contains(ip) {
				return true
			}
			continue
		}
		if parsed := net.ParseIP(entry); parsed != nil && parsed.Equal(ip) {
			return true
		}
	}
	return false
}

func generatePrefix() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	return strings.ToLower(enc.EncodeToString(buf)), nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
