package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"

	"Conclave/internal/logger"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run(args []string) error {
	cfg, err := parseConfig(args)
	if err != nil {
		return err
	}

	logger.Init(cfg.LogLevel)

	cfg.PrivateKey, err = loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	agent, err := NewAgent(cfg)
	if err != nil {
		return fmt.Errorf("create agent:\n%w", err)
	}

	printStartupInfo(cfg, agent)

	return agent.Run()
}

// printStartupInfo displays agent configuration at startup.
func printStartupInfo(cfg *Config, a *Agent) {
	pubKey := cfg.PrivateKey.Public().(ed25519.PublicKey)

	logger.Info("starting conclave agent",
		"pubkey", hex.EncodeToString(pubKey),
		"http", cfg.HTTPAddress,
		"quic", cfg.QUICAddress,
		"data", cfg.DataPath,
		"memory", cfg.InMemory,
		"peers", len(cfg.Peers),
	)

	if a.witness != nil {
		logger.Info("witness role enabled", "prefix", a.witness.Prefix())
	}

	if cfg.OperationTimeout > 0 {
		logger.Info("operation timeout enabled", "timeout", cfg.OperationTimeout, "sweep", cfg.SweepInterval)
	}
}
