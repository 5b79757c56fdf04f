package testutil

import (
	"time"

	"github.com/AfshinJalili/collateral/libs/apikey"
	"github.com/AfshinJalili/collateral/libs/auth"
	"github.com/google/uuid"
)

var JWTSecret = []byte("test-secret")

// GenerateJWT signs a token whose subject is the vault owner.
func GenerateJWT(owner uuid.UUID, ttl time.Duration) (string, error) {
	return auth.SignJWT(owner.String(), []string{"owner"}, ttl, JWTSecret)
}

// GenerateCallerKey issues a caller API key and the record a store would hold for it.
func GenerateCallerKey(caller uuid.UUID, whitelist ...string) (string, apikey.Record, error) {
	key, prefix, hash, err := apikey.Generate("test")
	if err != nil {
		return "", apikey.Record{}, err
	}
	return key, apikey.Record{
		Prefix:      prefix,
		CallerID:    caller.String(),
		KeyHash:     hash,
		IPWhitelist: whitelist,
	}, nil
}
