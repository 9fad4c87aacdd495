package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"
)

const DefaultFileName = ".loopvault.json"

type Config struct {
	ChainID  uint64 `json:"chain_id" yaml:"chain_id" toml:"chain_id"`
	Deployer string `json:"deployer" yaml:"deployer" toml:"deployer"`
	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`

	Tokens     TokensConfig     `json:"tokens" yaml:"tokens" toml:"tokens"`
	Oracle     OracleConfig     `json:"oracle" yaml:"oracle" toml:"oracle"`
	Ledger     LedgerConfig     `json:"ledger" yaml:"ledger" toml:"ledger"`
	Vault      VaultConfig      `json:"vault" yaml:"vault" toml:"vault"`
	FlashLoan  FlashLoanConfig  `json:"flash_loan" yaml:"flash_loan" toml:"flash_loan"`
	Controller ControllerConfig `json:"controller" yaml:"controller" toml:"controller"`
	Fabric     FabricConfig     `json:"fabric" yaml:"fabric" toml:"fabric"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics" toml:"metrics"`

	Logger *zap.Logger `json:"-" yaml:"-" toml:"-"`
}

type TokenConfig struct {
	Symbol   string `json:"symbol" yaml:"symbol" toml:"symbol"`
	Decimals uint8  `json:"decimals" yaml:"decimals" toml:"decimals"`
}

type TokensConfig struct {
	Collateral TokenConfig `json:"collateral" yaml:"collateral" toml:"collateral"`
	Loan       TokenConfig `json:"loan" yaml:"loan" toml:"loan"`
	// UserFunds is minted to the demo user, in collateral units.
	UserFunds string `json:"user_funds" yaml:"user_funds" toml:"user_funds"`
}

type OracleConfig struct {
	Source            string   `json:"source" yaml:"source" toml:"source"` // local or chainlink
	Decimals          uint8    `json:"decimals" yaml:"decimals" toml:"decimals"`
	InitialPrice      string   `json:"initial_price" yaml:"initial_price" toml:"initial_price"`
	RPCEndpoint       string   `json:"rpc_endpoint" yaml:"rpc_endpoint" toml:"rpc_endpoint"`
	AggregatorAddress string   `json:"aggregator_address" yaml:"aggregator_address" toml:"aggregator_address"`
	MaxAge            Duration `json:"max_age" yaml:"max_age" toml:"max_age"`
	PollInterval      Duration `json:"poll_interval" yaml:"poll_interval" toml:"poll_interval"`
}

type LedgerConfig struct {
	MaxLTVBps       uint64 `json:"max_ltv_bps" yaml:"max_ltv_bps" toml:"max_ltv_bps"`
	MinHealthFactor string `json:"min_health_factor" yaml:"min_health_factor" toml:"min_health_factor"`
	SeedLiquidity   string `json:"seed_liquidity" yaml:"seed_liquidity" toml:"seed_liquidity"`
}

type VaultConfig struct {
	MaxLoops        uint64 `json:"max_loops" yaml:"max_loops" toml:"max_loops"`
	BorrowBps       uint64 `json:"borrow_bps" yaml:"borrow_bps" toml:"borrow_bps"`
	MinBorrow       string `json:"min_borrow" yaml:"min_borrow" toml:"min_borrow"`
	UnwindBufferBps uint64 `json:"unwind_buffer_bps" yaml:"unwind_buffer_bps" toml:"unwind_buffer_bps"`
	MaxSlippageBps  uint64 `json:"max_slippage_bps" yaml:"max_slippage_bps" toml:"max_slippage_bps"`
	// Venue is "fixed" (reference rate) or "uniswap" (constant product pool).
	Venue         string `json:"venue" yaml:"venue" toml:"venue"`
	ReferenceRate string `json:"reference_rate" yaml:"reference_rate" toml:"reference_rate"`
	// PoolDepth is the pool's collateral reserve for the uniswap venue.
	PoolDepth string `json:"pool_depth" yaml:"pool_depth" toml:"pool_depth"`
}

type FlashLoanProviderConfig struct {
	Name    string `json:"name" yaml:"name" toml:"name"`
	FeeBps  uint64 `json:"fee_bps" yaml:"fee_bps" toml:"fee_bps"`
	MaxLoan string `json:"max_loan,omitempty" yaml:"max_loan,omitempty" toml:"max_loan,omitempty"`
}

type FlashLoanConfig struct {
	Providers []FlashLoanProviderConfig `json:"providers" yaml:"providers" toml:"providers"`
}

type ControllerConfig struct {
	MaxLoopIterations   uint64 `json:"max_loop_iterations" yaml:"max_loop_iterations" toml:"max_loop_iterations"`
	MinLoopBorrow       string `json:"min_loop_borrow" yaml:"min_loop_borrow" toml:"min_loop_borrow"`
	CrashPriceThreshold string `json:"crash_price_threshold" yaml:"crash_price_threshold" toml:"crash_price_threshold"`
	CallbackGasLimit    uint64 `json:"callback_gas_limit" yaml:"callback_gas_limit" toml:"callback_gas_limit"`
}

type FabricConfig struct {
	Workers        int             `json:"workers" yaml:"workers" toml:"workers"`
	DeliveryDelay  Duration        `json:"delivery_delay" yaml:"delivery_delay" toml:"delivery_delay"`
	Jitter         Duration        `json:"jitter" yaml:"jitter" toml:"jitter"`
	Redeliveries   int             `json:"redeliveries" yaml:"redeliveries" toml:"redeliveries"`
	DedupCacheSize int             `json:"dedup_cache_size" yaml:"dedup_cache_size" toml:"dedup_cache_size"`
	MaxGasLimit    uint64          `json:"max_gas_limit" yaml:"max_gas_limit" toml:"max_gas_limit"`
	RateLimit      RateLimitConfig `json:"rate_limit" yaml:"rate_limit" toml:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second" toml:"requests_per_second"`
	BurstSize         int     `json:"burst_size" yaml:"burst_size" toml:"burst_size"`
}

type MetricsConfig struct {
	PrometheusEnabled  bool   `json:"prometheus_enabled" yaml:"prometheus_enabled" toml:"prometheus_enabled"`
	PrometheusEndpoint string `json:"prometheus_endpoint" yaml:"prometheus_endpoint" toml:"prometheus_endpoint"`
}

func (c *Config) ValidateConfig() error {
	var errors []string

	if c.ChainID == 0 {
		errors = append(errors, "chain_id must be specified")
	}
	if c.Deployer != "" && !common.IsHexAddress(c.Deployer) {
		errors = append(errors, "deployer must be a hex address")
	}
	if c.LogLevel != "" {
		if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
			errors = append(errors, fmt.Sprintf("log_level: %v", err))
		}
	}

	if err := c.Tokens.Validate(); err != nil {
		errors = append(errors, fmt.Sprintf("tokens config error: %v", err))
	}
	if err := c.Oracle.Validate(); err != nil {
		errors = append(errors, fmt.Sprintf("oracle config error: %v", err))
	}
	if err := c.Ledger.Validate(c.Tokens.Loan.Decimals); err != nil {
		errors = append(errors, fmt.Sprintf("ledger config error: %v", err))
	}
	if err := c.Vault.Validate(c.Tokens.Loan.Decimals, c.Tokens.Collateral.Decimals); err != nil {
		errors = append(errors, fmt.Sprintf("vault config error: %v", err))
	}
	if err := c.FlashLoan.Validate(c.Tokens.Loan.Decimals); err != nil {
		errors = append(errors, fmt.Sprintf("flash loan config error: %v", err))
	}
	if err := c.Controller.Validate(c.Tokens.Loan.Decimals, c.Oracle.Decimals); err != nil {
		errors = append(errors, fmt.Sprintf("controller config error: %v", err))
	}
	if err := c.Fabric.Validate(); err != nil {
		errors = append(errors, fmt.Sprintf("fabric config error: %v", err))
	}
	if c.Metrics.PrometheusEnabled && c.Metrics.PrometheusEndpoint == "" {
		errors = append(errors, "prometheus_endpoint must be specified when prometheus is enabled")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errors, "; "))
	}

	return nil
}

func (t *TokensConfig) Validate() error {
	if t.Collateral.Symbol == "" || t.Loan.Symbol == "" {
		return fmt.Errorf("token symbols must be specified")
	}
	if t.Collateral.Symbol == t.Loan.Symbol {
		return fmt.Errorf("collateral and loan token must differ")
	}
	if t.Collateral.Decimals > 36 || t.Loan.Decimals > 36 {
		return fmt.Errorf("token decimals above 36 are not supported")
	}
	if _, err := ParseAmount(t.UserFunds, t.Collateral.Decimals); err != nil {
		return fmt.Errorf("user_funds: %w", err)
	}
	return nil
}

func (o *OracleConfig) Validate() error {
	switch o.Source {
	case "local":
		amount, err := ParseAmount(o.InitialPrice, o.Decimals)
		if err != nil {
			return fmt.Errorf("initial_price: %w", err)
		}
		if amount.Sign() <= 0 {
			return fmt.Errorf("initial_price must be positive")
		}
	case "chainlink":
		if o.RPCEndpoint == "" {
			return fmt.Errorf("rpc_endpoint must be specified for chainlink")
		}
		if !common.IsHexAddress(o.AggregatorAddress) {
			return fmt.Errorf("aggregator_address must be a hex address")
		}
		if o.MaxAge.Duration <= 0 {
			return fmt.Errorf("max_age must be positive")
		}
		if o.PollInterval.Duration <= 0 {
			return fmt.Errorf("poll_interval must be positive")
		}
	default:
		return fmt.Errorf("unknown source %q", o.Source)
	}
	return nil
}

func (l *LedgerConfig) Validate(loanDecimals uint8) error {
	if l.MaxLTVBps == 0 || l.MaxLTVBps > 10_000 {
		return fmt.Errorf("max_ltv_bps must be in (0, 10000]")
	}
	if _, err := ParseAmount(l.MinHealthFactor, 18); err != nil {
		return fmt.Errorf("min_health_factor: %w", err)
	}
	if _, err := ParseAmount(l.SeedLiquidity, loanDecimals); err != nil {
		return fmt.Errorf("seed_liquidity: %w", err)
	}
	return nil
}

func (v *VaultConfig) Validate(loanDecimals, collateralDecimals uint8) error {
	if v.MaxLoops == 0 {
		return fmt.Errorf("max_loops must be positive")
	}
	if v.BorrowBps == 0 || v.BorrowBps > 10_000 {
		return fmt.Errorf("borrow_bps must be in (0, 10000]")
	}
	if v.UnwindBufferBps < 10_000 {
		return fmt.Errorf("unwind_buffer_bps must be at least 10000")
	}
	if v.MaxSlippageBps >= 10_000 {
		return fmt.Errorf("max_slippage_bps must be below 10000")
	}
	if _, err := ParseAmount(v.MinBorrow, loanDecimals); err != nil {
		return fmt.Errorf("min_borrow: %w", err)
	}
	if _, err := ParseAmount(v.ReferenceRate, 8); err != nil {
		return fmt.Errorf("reference_rate: %w", err)
	}
	switch v.Venue {
	case "fixed":
	case "uniswap":
		if _, err := ParseAmount(v.PoolDepth, collateralDecimals); err != nil {
			return fmt.Errorf("pool_depth: %w", err)
		}
	default:
		return fmt.Errorf("unknown venue %q", v.Venue)
	}
	return nil
}

func (f *FlashLoanConfig) Validate(loanDecimals uint8) error {
	if len(f.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	for _, p := range f.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider name must be specified")
		}
		if p.MaxLoan != "" {
			if _, err := ParseAmount(p.MaxLoan, loanDecimals); err != nil {
				return fmt.Errorf("provider %s max_loan: %w", p.Name, err)
			}
		}
	}
	return nil
}

func (c *ControllerConfig) Validate(loanDecimals, priceDecimals uint8) error {
	if c.MaxLoopIterations == 0 {
		return fmt.Errorf("max_loop_iterations must be positive")
	}
	if c.CallbackGasLimit == 0 {
		return fmt.Errorf("callback_gas_limit must be positive")
	}
	if _, err := ParseAmount(c.MinLoopBorrow, loanDecimals); err != nil {
		return fmt.Errorf("min_loop_borrow: %w", err)
	}
	if _, err := ParseAmount(c.CrashPriceThreshold, priceDecimals); err != nil {
		return fmt.Errorf("crash_price_threshold: %w", err)
	}
	return nil
}

func (f *FabricConfig) Validate() error {
	if f.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if f.DeliveryDelay.Duration < 0 || f.Jitter.Duration < 0 {
		return fmt.Errorf("delays must be non-negative")
	}
	if f.Redeliveries < 0 {
		return fmt.Errorf("redeliveries must be non-negative")
	}
	if f.MaxGasLimit == 0 {
		return fmt.Errorf("max_gas_limit must be positive")
	}
	return f.RateLimit.Validate()
}

// Validate accepts a zero rate, which disables limiting.
func (r *RateLimitConfig) Validate() error {
	if r.RequestsPerSecond < 0 {
		return fmt.Errorf("requests per second must be non-negative")
	}
	if r.RequestsPerSecond > 0 && r.BurstSize <= 0 {
		return fmt.Errorf("burst size must be positive")
	}
	return nil
}

// LoadConfig reads cfgFile over the defaults and applies environment
// overrides. The format follows the file extension.
func LoadConfig(cfgFile string) (*Config, error) {
	if cfgFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		cfgFile = filepath.Join(home, DefaultFileName)
	}

	data, err := os.ReadFile(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}

	config := DefaultConfig()
	if err := decode(cfgFile, data, config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	if err := applyEnvOverrides(config); err != nil {
		return nil, err
	}

	if err := config.ValidateConfig(); err != nil {
		return nil, err
	}

	return config, nil
}

// LoadDefaults returns the defaults with environment overrides applied.
func LoadDefaults() (*Config, error) {
	config := DefaultConfig()
	if err := applyEnvOverrides(config); err != nil {
		return nil, err
	}
	if err := config.ValidateConfig(); err != nil {
		return nil, err
	}
	return config, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.UnmarshalStrict(data, cfg)
	case ".toml":
		_, err := toml.Decode(string(data), cfg)
		return err
	case ".json", "":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		return dec.Decode(cfg)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

// Encode renders cfg in the format implied by ext.
func Encode(cfg *Config, ext string) ([]byte, error) {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "yaml", "yml":
		return yaml.Marshal(cfg)
	case "toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case "json", "":
		return json.MarshalIndent(cfg, "", "    ")
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
}

func SaveConfig(cfg *Config, cfgFile string) error {
	if cfgFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		cfgFile = filepath.Join(home, DefaultFileName)
	}

	data, err := Encode(cfg, filepath.Ext(cfgFile))
	if err != nil {
		return err
	}
	return os.WriteFile(cfgFile, data, 0o600)
}

// DefaultConfig reproduces the reference deployment: WETH collateral
// against USDC at 3000, looping five times.
func DefaultConfig() *Config {
	return &Config{
		ChainID:  11155111,
		LogLevel: "info",
		Tokens: TokensConfig{
			Collateral: TokenConfig{Symbol: "WETH", Decimals: 18},
			Loan:       TokenConfig{Symbol: "USDC", Decimals: 6},
			UserFunds:  "10",
		},
		Oracle: OracleConfig{
			Source:       "local",
			Decimals:     8,
			InitialPrice: "3000",
			MaxAge:       Duration{time.Hour},
			PollInterval: Duration{30 * time.Second},
		},
		Ledger: LedgerConfig{
			MaxLTVBps:       8_000,
			MinHealthFactor: "1.2",
			SeedLiquidity:   "1000000",
		},
		Vault: VaultConfig{
			MaxLoops:        5,
			BorrowBps:       8_000,
			MinBorrow:       "10",
			UnwindBufferBps: 11_000,
			Venue:           "fixed",
			ReferenceRate:   "3000",
			PoolDepth:       "1000",
		},
		FlashLoan: FlashLoanConfig{
			Providers: []FlashLoanProviderConfig{{Name: "mint", FeeBps: 9}},
		},
		Controller: ControllerConfig{
			MaxLoopIterations:   5,
			MinLoopBorrow:       "10",
			CrashPriceThreshold: "2000",
			CallbackGasLimit:    1_000_000,
		},
		Fabric: FabricConfig{
			Workers:        8,
			DeliveryDelay:  Duration{50 * time.Millisecond},
			Jitter:         Duration{20 * time.Millisecond},
			DedupCacheSize: 4096,
			MaxGasLimit:    3_000_000,
		},
		Metrics: MetricsConfig{
			PrometheusEndpoint: ":9090",
		},
		Logger: zap.NewNop(),
	}
}

// ParseAmount converts a decimal string such as "1.5" into base units of a
// token with the given decimals.
func ParseAmount(value string, decimals uint8) (*big.Int, error) {
	value = strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if value == "" {
		return nil, fmt.Errorf("empty amount")
	}

	whole, frac, _ := strings.Cut(value, ".")
	if len(frac) > int(decimals) {
		return nil, fmt.Errorf("amount %q has more than %d decimals", value, decimals)
	}
	digits := whole + frac + strings.Repeat("0", int(decimals)-len(frac))

	amount, ok := new(big.Int).SetString(digits, 10)
	if !ok || strings.ContainsAny(digits, "+-") {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}

// MustParseAmount is ParseAmount for validated configuration values.
func MustParseAmount(value string, decimals uint8) *big.Int {
	amount, err := ParseAmount(value, decimals)
	if err != nil {
		panic(err)
	}
	return amount
}
