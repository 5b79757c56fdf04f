package account

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// Namespace scopes every derived address to the collateral vault program.
var Namespace = uuid.MustParse("6f1c2a3e-4b5d-5e6f-8a9b-0c1d2e3f4a5b")

type Purpose string

const (
	PurposeVault          Purpose = "vault"
	PurposeVaultAuthority Purpose = "vault_authority"
	PurposeVaultToken     Purpose = "vault_token"
	PurposeToken          Purpose = "token"
	PurposeWithdrawal     Purpose = "withdrawal"
	PurposeCaller         Purpose = "caller"
)

// Derive maps a purpose tag and seeds to a lookup key. It is pure and stable
// across processes.
func Derive(purpose Purpose, seeds ...[]byte) uuid.UUID {
	name := []byte(purpose)
	for _, seed := range seeds {
		name = append(name, '/')
		name = append(name, seed...)
	}
	return uuid.NewSHA1(Namespace, name)
}

func VaultAddress(owner uuid.UUID) uuid.UUID {
	return Derive(PurposeVault, owner[:])
}

// AuthorityAddress is where the vault's authorization registry lives.
func AuthorityAddress(vault uuid.UUID) uuid.UUID {
	return Derive(PurposeVaultAuthority, vault[:])
}

func VaultTokenAddress(vault uuid.UUID) uuid.UUID {
	return Derive(PurposeVaultToken, vault[:])
}

// TokenAddress is the owner's external custody account.
func TokenAddress(owner uuid.UUID) uuid.UUID {
	return Derive(PurposeToken, owner[:])
}

func WithdrawalAddress(vault uuid.UUID, requestID uint64) uuid.UUID {
	var id [8]byte
	binary.LittleEndian.PutUint64(id[:], requestID)
	return Derive(PurposeWithdrawal, vault[:], id[:])
}

func CallerAddress(caller uuid.UUID) uuid.UUID {
	return Derive(PurposeCaller, caller[:])
}
