package main

import (
	"context"
	"errors"

	"github.com/AfshinJalili/collateral/libs/apikey"
	"github.com/AfshinJalili/collateral/services/vault/internal/account"
	"github.com/AfshinJalili/collateral/services/vault/internal/storage"
	"github.com/google/uuid"
)

const (
	revokedKeyPrefix = "revoked0001"
	revokedKeySecret = "revokedsecret0001"

	lockedKeyPrefix = "iplocked0001"
	lockedKeySecret = "iplockedsecret0001"
)

var revokedCallerID = uuid.MustParse("00000000-0000-0000-0000-000000000102")

// seedTestData adds the negative fixtures: a revoked caller with a revoked
// key, and a key for the demo caller that only accepts a private range.
func seedTestData(ctx context.Context, node ledgerNode, store *storage.Store) error {
	if _, err := node.DeployCaller(ctx, revokedCallerID, true); err != nil && !errors.Is(err, account.ErrAccountExists) {
		return err
	}
	if _, err := node.RevokeCaller(ctx, revokedCallerID); err != nil {
		return err
	}

	err := store.CreateAPIKey(ctx, apikey.Record{
		Prefix:   revokedKeyPrefix,
		CallerID: revokedCallerID.String(),
		KeyHash:  apikey.Hash(revokedKeyPrefix, revokedKeySecret),
	})
	if err != nil && !errors.Is(err, storage.ErrConflict) {
		return err
	}
	if err := store.RevokeAPIKey(ctx, revokedKeyPrefix); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	err = store.CreateAPIKey(ctx, apikey.Record{
		Prefix:      lockedKeyPrefix,
		CallerID:    demoCallerID.String(),
		KeyHash:     apikey.Hash(lockedKeyPrefix, lockedKeySecret),
		IPWhitelist: []string{"10.0.0.0/8"},
	})
	if err != nil && !errors.Is(err, storage.ErrConflict) {
		return err
	}
	return nil
}
