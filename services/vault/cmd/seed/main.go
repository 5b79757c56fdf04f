package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/AfshinJalili/collateral/libs/apikey"
	"github.com/AfshinJalili/collateral/libs/auth"
	"github.com/AfshinJalili/collateral/services/vault/internal/account"
	"github.com/AfshinJalili/collateral/services/vault/internal/config"
	"github.com/AfshinJalili/collateral/services/vault/internal/ledger"
	"github.com/AfshinJalili/collateral/services/vault/internal/ledgerclient"
	"github.com/AfshinJalili/collateral/services/vault/internal/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	demoKeyPrefix = "demo0001"
	demoKeySecret = "demosecret0001"

	demoFunding uint64 = 10_000_000
)

var (
	demoCallerID = uuid.MustParse("00000000-0000-0000-0000-000000000101")
	demoOwners   = map[string]uuid.UUID{
		"alice": uuid.MustParse("00000000-0000-0000-0000-000000000001"),
		"bob":   uuid.MustParse("00000000-0000-0000-0000-000000000002"),
	}
)

// ledgerNode is the ledger surface seeding needs: instruction submission plus
// the node's administrative calls.
type ledgerNode interface {
	ledgerclient.Client
	ledgerclient.Admin
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	env := cfg.App.Env
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: VAULT_ENV must be 'dev' or 'test' (got '%s')", env)
	}
	if cfg.Ledger.Mode != config.LedgerModeGRPC {
		log.Fatalf("refusing to seed: ledger.mode must be %q so seeded state lives on a ledger node", config.LedgerModeGRPC)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.URL())
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}
	if err := storage.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}
	store := storage.New(pool)

	conn, err := ledgerclient.Dial(cfg.Ledger.Addr)
	if err != nil {
		log.Fatalf("dial ledger: %v", err)
	}
	defer conn.Close()
	node := ledgerclient.NewGRPCClient(conn)

	fmt.Println("Seeding vault environment...")

	if err := seedCaller(ctx, node); err != nil {
		log.Fatalf("seed caller: %v", err)
	}
	fmt.Println("✓ Authorized caller deployed")

	demoKey, err := seedAPIKey(ctx, store, env)
	if err != nil {
		log.Fatalf("seed api key: %v", err)
	}
	fmt.Println("✓ Caller API key seeded")

	if err := seedVaults(ctx, node, store); err != nil {
		log.Fatalf("seed vaults: %v", err)
	}
	fmt.Println("✓ Vaults seeded")

	if os.Getenv("SEED_TESTDATA") == "1" {
		if err := seedTestData(ctx, node, store); err != nil {
			log.Fatalf("seed test data: %v", err)
		}
		fmt.Println("✓ Test data seeded")
	}

	fmt.Println("\n=== Seed Complete ===")
	fmt.Printf("\nCaller %s\n", demoCallerID)
	if env == "dev" {
		fmt.Printf("  API key (DEV ONLY): %s\n", demoKey)
	}
	if cfg.Auth.JWTSecret == "" {
		return
	}
	fmt.Println("\nOwner tokens (24h):")
	for name, owner := range demoOwners {
		token, err := auth.SignJWT(owner.String(), []string{"owner"}, 24*time.Hour, []byte(cfg.Auth.JWTSecret))
		if err != nil {
			log.Fatalf("sign token: %v", err)
		}
		fmt.Printf("  %s (%s): %s\n", name, owner, token)
	}
}

func seedCaller(ctx context.Context, node ledgerNode) error {
	_, err := node.DeployCaller(ctx, demoCallerID, true)
	if errors.Is(err, account.ErrAccountExists) {
		return nil
	}
	return err
}

func seedAPIKey(ctx context.Context, store *storage.Store, env string) (string, error) {
	key := fmt.Sprintf("vk_%s_%s.%s", env, demoKeyPrefix, demoKeySecret)
	err := store.CreateAPIKey(ctx, apikey.Record{
		Prefix:   demoKeyPrefix,
		CallerID: demoCallerID.String(),
		KeyHash:  apikey.Hash(demoKeyPrefix, demoKeySecret),
	})
	if err != nil && !errors.Is(err, storage.ErrConflict) {
		return "", err
	}
	return key, nil
}

// seedVaults funds each demo owner and opens a vault with the demo caller
// authorized. Funds stay in the owner's token account until deposited.
func seedVaults(ctx context.Context, node ledgerNode, store *storage.Store) error {
	for name, owner := range demoOwners {
		if _, err := node.Fund(ctx, owner, demoFunding); err != nil {
			return fmt.Errorf("fund %s: %w", name, err)
		}
		conf, err := node.Send(ctx, ledger.InitializeVault{Owner: owner, Callers: []uuid.UUID{demoCallerID}})
		if errors.Is(err, account.ErrAccountExists) {
			continue
		}
		if err != nil {
			return fmt.Errorf("initialize %s: %w", name, err)
		}
		vaultAddr := account.VaultAddress(owner)
		err = store.UpsertVault(ctx, storage.VaultAccount{
			Owner:        owner,
			VaultAddress: vaultAddr,
			TokenAccount: account.VaultTokenAddress(vaultAddr),
			Authority:    account.AuthorityAddress(vaultAddr),
			CreatedAt:    conf.Event.Timestamp,
		})
		if err != nil {
			return fmt.Errorf("record %s: %w", name, err)
		}
	}
	return nil
}
