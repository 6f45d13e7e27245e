package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

type Config struct {
	RpcURL         string
	DbURL          string
	KafkaBroker    string
	KafkaTopic     string
	TokenAddress   common.Address
	TokenDecimals  int
	CustodyAddress common.Address
	PriceFeedURL   string
	FiatCurrency   string
	PayoutURL      string
	PayoutAPIKey   string
	StartBlock     uint64
	ChunkSize      uint64
	FinalityOffset uint64
	ScanInterval   time.Duration
	DepositTimeout time.Duration
	APIPort        int
}

// NewConfig loads configuration from environment variables
func NewConfig() *Config {
	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	return &Config{
		RpcURL:         getEnvOrFatal("RPC_URL"),
		DbURL:          getEnvOrFatal("DB_URL"),
		KafkaBroker:    getEnvOrFatal("KAFKA_BROKER"),
		KafkaTopic:     getEnvOrFatal("KAFKA_TOPIC"),
		TokenAddress:   getEnvAddress("TOKEN_ADDRESS"),
		TokenDecimals:  getEnvInt("TOKEN_DECIMALS", 6),
		CustodyAddress: getEnvAddress("CUSTODY_ADDRESS"),
		PriceFeedURL:   getEnvOrFatal("PRICE_FEED_URL"),
		FiatCurrency:   getEnvOrDefault("FIAT_CURRENCY", "INR"),
		PayoutURL:      getEnvOrFatal("PAYOUT_URL"),
		PayoutAPIKey:   getEnvOrFatal("PAYOUT_API_KEY"),
		StartBlock:     getEnvUint64("START_BLOCK", 0),
		ChunkSize:      getEnvUint64("CHUNK_SIZE", 100),
		FinalityOffset: getEnvUint64("FINALITY_OFFSET", 12),
		ScanInterval:   time.Duration(getEnvUint64("SCAN_INTERVAL_SECONDS", 5)) * time.Second,
		DepositTimeout: time.Duration(getEnvUint64("DEPOSIT_TIMEOUT_SECONDS", 900)) * time.Second,
		APIPort:        getEnvInt("API_PORT", 8080),
	}
}

func getEnvOrFatal(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	log.Fatalf("environment variable %s not set", key)

	return ""
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAddress(key string) common.Address {
	value := getEnvOrFatal(key)
	if !common.IsHexAddress(value) {
		log.Fatalf("environment variable %s is not a valid address: %s", key, value)
	}
	return common.HexToAddress(value)
}

func getEnvUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseUint(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
