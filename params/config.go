package params

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/joho/godotenv"
)

var ErrScriptHash = errors.New("approved script hash must be 32 bytes of hex")

// DefaultApprovedScriptHash is the SHA-256 digest of the private swap note script.
const DefaultApprovedScriptHash = "0xe39a29af05b233279c0009701242ff54b1d8c0d848ad2f2001eb7e0ac6ef745e"

type Ingest struct {
	ListenAddr    string
	MaxFrameBytes uint32
	ReadTimeout   time.Duration // per read; bounds slow peers
	AckEnabled    bool
}

type Matching struct {
	Interval           time.Duration // 0 disables scheduled passes
	Randomize          bool
	ApprovedScriptHash common.Hash
}

type Storage struct {
	Path string // empty runs without persistence
}

type API struct {
	Addr           string // empty disables the operator API
	AllowedOrigins []string
}

type P2P struct {
	ListenAddr string // empty disables libp2p
	Bootstrap  []string
}

type Settlement struct {
	Brokers   []string // empty disables the Kafka ledger
	Topic     string
	QueueSize int
	Timeout   time.Duration
}

type Attestation struct {
	Seed string // hex; empty disables report signing
}

type Log struct {
	Level string
	File  string
}

type Config struct {
	Ingest      Ingest
	Matching    Matching
	Storage     Storage
	API         API
	P2P         P2P
	Settlement  Settlement
	Attestation Attestation
	Log         Log
}

func Default() Config {
	return Config{
		Ingest: Ingest{
			ListenAddr:    "127.0.0.1:8080",
			MaxFrameBytes: 1 << 20,
			ReadTimeout:   30 * time.Second,
		},
		Matching: Matching{
			Interval:           5 * time.Second,
			Randomize:          true,
			ApprovedScriptHash: common.HexToHash(DefaultApprovedScriptHash),
		},
		Storage: Storage{Path: "./data/darkpool"},
		API: API{
			Addr:           "127.0.0.1:8081",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Settlement: Settlement{
			Topic:     "darkpool.settlements",
			QueueSize: 1024,
			Timeout:   10 * time.Second,
		},
		Log: Log{Level: "info"},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
//
// Unparsable numeric values fall back to their defaults. A malformed
// APPROVED_SCRIPT_HASH is an error.
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Ingest.ListenAddr = getEnv("INGEST_LISTEN_ADDR", cfg.Ingest.ListenAddr)
	if v := os.Getenv("INGEST_MAX_FRAME_BYTES"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil && n > 0 {
			cfg.Ingest.MaxFrameBytes = uint32(n)
		}
	}
	cfg.Ingest.ReadTimeout = getDurationMS("INGEST_READ_TIMEOUT_MS", cfg.Ingest.ReadTimeout)
	cfg.Ingest.AckEnabled = getBool("INGEST_ACK", cfg.Ingest.AckEnabled)

	cfg.Matching.Interval = getDurationMS("MATCHING_INTERVAL_MS", cfg.Matching.Interval)
	cfg.Matching.Randomize = getBool("MATCHING_RANDOMIZE", cfg.Matching.Randomize)
	if h := os.Getenv("APPROVED_SCRIPT_HASH"); h != "" {
		hash, err := ParseScriptHash(h)
		if err != nil {
			return cfg, fmt.Errorf("APPROVED_SCRIPT_HASH: %w", err)
		}
		cfg.Matching.ApprovedScriptHash = hash
	}

	cfg.Storage.Path = getEnv("STORAGE_PATH", cfg.Storage.Path)

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)
	cfg.API.AllowedOrigins = getList("API_ALLOWED_ORIGINS", cfg.API.AllowedOrigins)

	cfg.P2P.ListenAddr = getEnv("P2P_LISTEN_ADDR", cfg.P2P.ListenAddr)
	cfg.P2P.Bootstrap = getList("P2P_BOOTSTRAP", cfg.P2P.Bootstrap)

	// Brokers from comma-separated list, e.g. "kafka1:9092,kafka2:9092"
	cfg.Settlement.Brokers = getList("SETTLEMENT_BROKERS", cfg.Settlement.Brokers)
	cfg.Settlement.Topic = getEnv("SETTLEMENT_TOPIC", cfg.Settlement.Topic)
	if v := os.Getenv("SETTLEMENT_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Settlement.QueueSize = n
		}
	}
	cfg.Settlement.Timeout = getDurationMS("SETTLEMENT_TIMEOUT_MS", cfg.Settlement.Timeout)

	cfg.Attestation.Seed = getEnv("ATTESTATION_SEED", cfg.Attestation.Seed)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)

	return cfg, nil
}

// ParseScriptHash reads a 32-byte digest written as 64 hex digits, with or
// without a 0x prefix.
func ParseScriptHash(s string) (common.Hash, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: %v", ErrScriptHash, err)
	}
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: got %d bytes", ErrScriptHash, len(b))
	}
	return common.BytesToHash(b), nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationMS(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func getList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
