// opsctl is the operator companion to the bridge service. It talks to the
// same database and mint contract the service uses, for inspection and the
// manual remediation steps the service deliberately refuses to automate.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"mintbridge/internal/blockchain/evm"
	"mintbridge/internal/config"
	"mintbridge/internal/database"
	"mintbridge/internal/models"
)

const usage = `Usage: opsctl <command> [args]

Commands:
  status <request-id|payment-reference>   show a mint request
  list <state>                            list requests in a state
  abandon <request-id>                    force a FAILED request to ABANDONED
  contract-state                          show mint contract state
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	logger := zap.NewNop()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "status":
		requireArg(3, "status <request-id|payment-reference>")
		cmdStatus(ctx, cfg, os.Args[2])
	case "list":
		requireArg(3, "list <state>")
		cmdList(ctx, cfg, os.Args[2])
	case "abandon":
		requireArg(3, "abandon <request-id>")
		cmdAbandon(ctx, cfg, os.Args[2])
	case "contract-state":
		cmdContractState(ctx, cfg, logger)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func requireArg(n int, form string) {
	if len(os.Args) < n {
		log.Fatalf("Usage: opsctl %s", form)
	}
}

func connect(cfg *config.Config) *database.DB {
	db, err := database.Connect(database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		DBName:   cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	return db
}

func cmdStatus(ctx context.Context, cfg *config.Config, key string) {
	db := connect(cfg)
	defer db.Close()

	req, err := db.GetRequest(ctx, key)
	if err != nil {
		log.Fatalf("Failed to load request: %v", err)
	}
	if req == nil {
		req, err = db.GetRequestByPaymentReference(ctx, key)
		if err != nil {
			log.Fatalf("Failed to load request: %v", err)
		}
	}
	if req == nil {
		log.Fatalf("No request found for %q", key)
	}
	printJSON(req)
}

func cmdList(ctx context.Context, cfg *config.Config, state string) {
	db := connect(cfg)
	defer db.Close()

	reqs, err := db.RequestsByState(ctx, models.RequestState(state))
	if err != nil {
		log.Fatalf("Failed to list requests: %v", err)
	}
	for i := range reqs {
		printJSON(&reqs[i])
	}
	fmt.Fprintf(os.Stderr, "%d request(s) in state %s\n", len(reqs), state)
}

func cmdAbandon(ctx context.Context, cfg *config.Config, requestID string) {
	db := connect(cfg)
	defer db.Close()

	alerted := true
	err := db.Transition(ctx, requestID,
		models.RequestStateFailed, models.RequestStateAbandoned,
		database.Patch{Alerted: &alerted})
	if err == database.ErrConflict {
		log.Fatalf("Request %s is not in state %s", requestID, models.RequestStateFailed)
	}
	if err != nil {
		log.Fatalf("Failed to abandon request: %v", err)
	}
	fmt.Printf("Request %s abandoned\n", requestID)
}

func cmdContractState(ctx context.Context, cfg *config.Config, logger *zap.Logger) {
	chain, err := evm.NewClient(ctx, cfg.Ledger.RPCEndpoint, logger)
	if err != nil {
		log.Fatalf("Failed to connect to RPC endpoint: %v", err)
	}
	defer chain.Close()

	minter, err := evm.NewMinter(chain, cfg.Ledger.ContractAddress, logger)
	if err != nil {
		log.Fatalf("Failed to bind mint contract: %v", err)
	}

	deployed, err := chain.IsContractDeployed(ctx, minter.ContractAddress())
	if err != nil {
		log.Fatalf("Failed to check deployment: %v", err)
	}
	fmt.Printf("contract:        %s\n", cfg.Ledger.ContractAddress)
	fmt.Printf("chain id:        %s\n", chain.ChainID())
	fmt.Printf("deployed:        %v\n", deployed)
	if !deployed {
		return
	}

	enabled, err := minter.MintingEnabled(ctx)
	if err != nil {
		log.Fatalf("Failed to read mintingEnabled: %v", err)
	}
	total, err := minter.TotalSupply(ctx)
	if err != nil {
		log.Fatalf("Failed to read totalSupply: %v", err)
	}
	max, err := minter.MaxSupply(ctx)
	if err != nil {
		log.Fatalf("Failed to read maxSupply: %v", err)
	}
	fmt.Printf("minting enabled: %v\n", enabled)
	fmt.Printf("total supply:    %s / %s\n", total, max)
}

func printJSON(v interface{}) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode: %v", err)
	}
	fmt.Println(string(out))
}
