package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Environment variables
const (
	EnvPrefix            = "LOOPVAULT_"
	EnvLogLevel          = EnvPrefix + "LOG_LEVEL"
	EnvChainID           = EnvPrefix + "CHAIN_ID"
	EnvDeployerKey       = EnvPrefix + "DEPLOYER_KEY"
	EnvOracleSource      = EnvPrefix + "ORACLE_SOURCE"
	EnvRPCEndpoint       = EnvPrefix + "RPC_ENDPOINT"
	EnvAggregatorAddress = EnvPrefix + "AGGREGATOR_ADDRESS"
	EnvOracleMaxAge      = EnvPrefix + "ORACLE_MAX_AGE"
	EnvCrashPrice        = EnvPrefix + "CRASH_PRICE_THRESHOLD"
	EnvRedeliveries      = EnvPrefix + "REDELIVERIES"
	EnvPrometheus        = EnvPrefix + "PROMETHEUS_ENABLED"
)

// LoadEnv loads environment variables from the given .env files, or .env
// in the working directory. A missing default file is not an error.
func LoadEnv(files ...string) error {
	err := godotenv.Load(files...)
	if len(files) == 0 && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// GetEnvWithDefault gets an environment variable with a default value
func GetEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func GetRequiredEnv(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("required environment variable %s not set", key)
	}
	return value, nil
}

func applyEnvOverrides(cfg *Config) error {
	setStr(EnvLogLevel, &cfg.LogLevel)
	setStr(EnvOracleSource, &cfg.Oracle.Source)
	setStr(EnvRPCEndpoint, &cfg.Oracle.RPCEndpoint)
	setStr(EnvAggregatorAddress, &cfg.Oracle.AggregatorAddress)
	setStr(EnvCrashPrice, &cfg.Controller.CrashPriceThreshold)

	if err := setUint(EnvChainID, &cfg.ChainID); err != nil {
		return err
	}
	if err := setInt(EnvRedeliveries, &cfg.Fabric.Redeliveries); err != nil {
		return err
	}
	if err := setDuration(EnvOracleMaxAge, &cfg.Oracle.MaxAge); err != nil {
		return err
	}
	return setBool(EnvPrometheus, &cfg.Metrics.PrometheusEnabled)
}

func setStr(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setUint(key string, dst *uint64) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setInt(key string, dst *int) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(key string, dst *bool) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(key string, dst *Duration) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	dst.Duration = d
	return nil
}
