package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"Conclave/internal/courier"
)

// envPrefix prefixes environment overrides, e.g. CONCLAVE_HTTP.
const envPrefix = "CONCLAVE"

// Config holds the agent configuration.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string

	// InMemory keeps all state in memory, for demos and tests.
	InMemory bool

	// HTTPAddress is the HTTP API listen address.
	HTTPAddress string

	// QUICAddress is the agent-to-agent listen address.
	QUICAddress string

	// KeyPath is the path to the Ed25519 transport key file.
	KeyPath string

	// PrivateKey is the agent's transport key.
	PrivateKey ed25519.PrivateKey

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// Peers maps remote prefixes to their QUIC addresses.
	Peers map[string]string

	// Contacts maps remote prefixes to aliases shown in group conversations.
	Contacts map[string]string

	// Delivery tunes courier retries and the per-peer breaker.
	Delivery courier.Policy

	// Workers bounds concurrent background deliveries.
	Workers int

	// OperationTimeout fails operations pending longer than this. Zero disables.
	OperationTimeout time.Duration

	// SweepInterval is how often timed out operations are swept.
	SweepInterval time.Duration

	// Witness makes the agent receipt events that list it as a witness.
	Witness bool
}

// newFlagSet declares every flag with its default.
func newFlagSet() *pflag.FlagSet {
	def := courier.DefaultPolicy()

	fs := pflag.NewFlagSet("conclave-agent", pflag.ContinueOnError)

	fs.String("config", "", "YAML config file")
	fs.String("data", "./data", "Data directory path")
	fs.Bool("memory", false, "Keep all state in memory")
	fs.String("http", ":3901", "HTTP API address")
	fs.String("quic", ":5631", "QUIC agent-to-agent address")
	fs.String("key", "", "Ed25519 transport key path (generates new if missing)")
	fs.String("log-level", "info", "Log level: debug, info, warn, error")
	fs.StringSlice("peer", nil, "Remote agent as prefix=host:port (repeatable)")
	fs.StringSlice("contact", nil, "Contact alias as prefix=alias (repeatable)")
	fs.Duration("retry-delay", def.BaseDelay, "Base delay between delivery attempts")
	fs.Uint64("retries", def.MaxRetries, "Delivery retries after the first attempt")
	fs.Uint32("breaker-trip", def.TripAfter, "Consecutive failures that open a peer's breaker")
	fs.Duration("breaker-open", def.OpenInterval, "How long an open breaker rejects deliveries")
	fs.Int("workers", 8, "Concurrent background deliveries")
	fs.Duration("op-timeout", 0, "Fail operations pending longer than this (0 disables)")
	fs.Duration("sweep-interval", time.Minute, "Interval between operation timeout sweeps")
	fs.Bool("witness", false, "Receipt events that list this agent as a witness")

	return fs
}

// parseConfig reads flags, then the optional config file, then CONCLAVE_*
// environment variables. Flags set on the command line win.
func parseConfig(args []string) (*Config, error) {
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags:\n%w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags:\n%w", err)
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s:\n%w", path, err)
		}
	}

	peers, err := parsePairs(v.GetStringSlice("peer"))
	if err != nil {
		return nil, fmt.Errorf("peers:\n%w", err)
	}

	aliases, err := parsePairs(v.GetStringSlice("contact"))
	if err != nil {
		return nil, fmt.Errorf("contacts:\n%w", err)
	}

	cfg := &Config{
		DataPath:    v.GetString("data"),
		InMemory:    v.GetBool("memory"),
		HTTPAddress: v.GetString("http"),
		QUICAddress: v.GetString("quic"),
		KeyPath:     v.GetString("key"),
		LogLevel:    v.GetString("log-level"),
		Peers:       peers,
		Contacts:    aliases,
		Delivery: courier.Policy{
			BaseDelay:    v.GetDuration("retry-delay"),
			MaxRetries:   v.GetUint64("retries"),
			TripAfter:    v.GetUint32("breaker-trip"),
			OpenInterval: v.GetDuration("breaker-open"),
		},
		Workers:          v.GetInt("workers"),
		OperationTimeout: v.GetDuration("op-timeout"),
		SweepInterval:    v.GetDuration("sweep-interval"),
		Witness:          v.GetBool("witness"),
	}

	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("workers must be positive, got %d", cfg.Workers)
	}

	if cfg.OperationTimeout > 0 && cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive when an operation timeout is set")
	}

	return cfg, nil
}

// parsePairs splits prefix=value entries. Prefixes are case sensitive,
// so they are kept as lists rather than viper maps, whose keys are
// lowercased.
func parsePairs(entries []string) (map[string]string, error) {
	out := make(map[string]string, len(entries))

	for _, entry := range entries {
		prefix, value, ok := strings.Cut(entry, "=")
		if !ok || prefix == "" || value == "" {
			return nil, fmt.Errorf("invalid entry %q, want prefix=value", entry)
		}

		out[prefix] = value
	}

	return out, nil
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateNewKey creates a new Ed25519 private key.
func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
