package main

import (
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Application configuration.
type config struct {
	ListenAddr     string
	DBPath         string
	LedgerRPCURL   string
	ContractAddr   common.Address
	SignerKeyHex   string
	ChainID        *big.Int
	ConfirmTimeout time.Duration
	StorageAPIURL  string
	NotifierAPIURL string
	AllowedOrigins []string
	Debug          bool
}

// Parse command-line arguments.
// Returns a config struct with the parsed arguments.
func parseArguments() (config, error) {
	addr := flag.String("addr", "0.0.0.0:8080", "Address on which to listen to HTTP requests")
	dbPath := flag.String("db-path", "db.sqlite3", "sqlite3 database path")
	ledgerRPCURL := flag.String("ledger-rpc-url", "http://127.0.0.1:8545", "JSON-RPC endpoint of the ledger node")
	contractAddr := flag.String("registry-addr", "", "Address of the credential registry contract")
	signerKey := flag.String("signer-key", "", "Hex private key used to sign registry transactions")
	chainID := flag.Int64("chain-id", 1337, "Chain id for transaction signing")
	confirmTimeout := flag.String("confirm-timeout", "90s", "How long to wait for transaction confirmation before reporting a timeout, eg 90s")
	storageAPIURL := flag.String("storage-api-url", "http://127.0.0.1:9090", "URL for the content storage API")
	notifierAPIURL := flag.String("notifier-api-url", "http://127.0.0.1:9091", "URL for the notification API")
	origins := flag.String("allowed-origins", "*", "Comma-separated list of allowed CORS origins")
	debug := flag.Bool("debug", false, "Whether to enable verbose logging")
	flag.Parse()

	if !common.IsHexAddress(*contractAddr) {
		return config{}, errors.New("invalid -registry-addr argument")
	}

	if _, err := crypto.HexToECDSA(strings.TrimPrefix(*signerKey, "0x")); err != nil {
		return config{}, fmt.Errorf("invalid -signer-key argument: %v", err)
	}

	if *chainID <= 0 {
		return config{}, errors.New("invalid -chain-id argument")
	}

	confirmDuration, err := time.ParseDuration(*confirmTimeout)
	if err != nil {
		return config{}, fmt.Errorf("invalid -confirm-timeout argument: %v", err)
	}

	for _, raw := range []struct{ name, value string }{
		{"-ledger-rpc-url", *ledgerRPCURL},
		{"-storage-api-url", *storageAPIURL},
		{"-notifier-api-url", *notifierAPIURL},
	} {
		if u, err := url.Parse(raw.value); err != nil {
			return config{}, fmt.Errorf("invalid %s argument: %v", raw.name, err)
		} else if u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "ws" && u.Scheme != "wss" {
			return config{}, fmt.Errorf("invalid %s argument: invalid scheme '%s'", raw.name, u.Scheme)
		}
	}

	return config{
		ListenAddr:     *addr,
		DBPath:         *dbPath,
		LedgerRPCURL:   *ledgerRPCURL,
		ContractAddr:   common.HexToAddress(*contractAddr),
		SignerKeyHex:   strings.TrimPrefix(*signerKey, "0x"),
		ChainID:        big.NewInt(*chainID),
		ConfirmTimeout: confirmDuration,
		StorageAPIURL:  *storageAPIURL,
		NotifierAPIURL: *notifierAPIURL,
		AllowedOrigins: strings.Split(*origins, ","),
		Debug:          *debug,
	}, nil
}
