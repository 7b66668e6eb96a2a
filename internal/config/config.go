// Package config handles application configuration from environment
// variables, an optional .env file and an optional YAML network profile file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mbd888/escrowd/internal/address"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/units"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json", "text", "pretty"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Chain settings. Without a custody key the service runs on an
	// in-memory token ledger.
	Network       string
	RPCURL        string
	ChainID       int64
	TokenContract string
	CustodyKey    string // hex, 0x optional

	// Escrow roles and policy
	Owner          string
	Arbitrator     string // defaults to Owner
	PlatformWallet string // defaults to Owner
	Fee            string // whole tokens, e.g. "5"
	MinFee         string
	MaxFee         string
	DeadlineMode   string // "explicit" or "fixed"
	FixedWindow    time.Duration
	MaxWindow      time.Duration
	EmergencyGrace time.Duration
	EventPayload   string // "rich" or "minimal"
	MaxAmount      string // whole tokens; empty means no ceiling

	// Operations
	RateLimitRPM    int
	AllowedOrigins  []string
	SamplerInterval time.Duration
	OTLPEndpoint    string
	MaxRequestSize  int64
}

// Network is one entry of the profile file.
type Network struct {
	RPCURL        string `yaml:"rpcUrl"`
	ChainID       int64  `yaml:"chainId"`
	TokenContract string `yaml:"tokenContract"`
	CustodyKey    string `yaml:"custodyKey"`
}

// profileFile is the layout of CONFIG_FILE.
type profileFile struct {
	DefaultNetwork string             `yaml:"defaultNetwork"`
	Networks       map[string]Network `yaml:"networks"`
}

// Built-in network profiles. The chain gateway signs and broadcasts
// through standard Ethereum JSON-RPC (eth_getTransactionCount,
// eth_sendRawTransaction), so only EVM-compatible nodes qualify. TronGrid's
// /jsonrpc endpoint serves reads only. Other chains come from CONFIG_FILE.
var builtinNetworks = map[string]Network{
	"local": {
		RPCURL:  "http://127.0.0.1:8545",
		ChainID: 31337,
	},
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultNetwork         = "local"
	DefaultFee             = "5"
	DefaultMinFee          = "1"
	DefaultMaxFee          = "50"
	DefaultRateLimit       = 120
	DefaultSamplerInterval = 30 * time.Second
	DefaultMaxRequestSize  = 1 << 20
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	network := getEnv("NETWORK", "")
	profiles := builtinNetworks
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		file, err := loadProfiles(path)
		if err != nil {
			return nil, err
		}
		profiles = mergeProfiles(builtinNetworks, file.Networks)
		if network == "" {
			network = file.DefaultNetwork
		}
	}
	if network == "" {
		network = DefaultNetwork
	}
	profile, ok := profiles[network]
	if !ok {
		return nil, fmt.Errorf("unknown NETWORK %q", network)
	}

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:   getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		Network:       network,
		RPCURL:        getEnv("RPC_URL", profile.RPCURL),
		ChainID:       getEnvInt64("CHAIN_ID", profile.ChainID),
		TokenContract: getEnv("TOKEN_CONTRACT", profile.TokenContract),
		CustodyKey:    getEnv("CUSTODY_PRIVATE_KEY", profile.CustodyKey),

		Owner:          os.Getenv("ESCROW_OWNER"),
		Arbitrator:     os.Getenv("ESCROW_ARBITRATOR"),
		PlatformWallet: os.Getenv("ESCROW_PLATFORM_WALLET"),
		Fee:            getEnv("ESCROW_FEE", DefaultFee),
		MinFee:         getEnv("ESCROW_MIN_FEE", DefaultMinFee),
		MaxFee:         getEnv("ESCROW_MAX_FEE", DefaultMaxFee),
		DeadlineMode:   getEnv("ESCROW_DEADLINE_MODE", string(escrow.DeadlineExplicit)),
		FixedWindow:    getEnvDuration("ESCROW_FIXED_WINDOW", escrow.DefaultFixedWindow),
		MaxWindow:      getEnvDuration("ESCROW_MAX_WINDOW", 0),
		EmergencyGrace: getEnvDuration("ESCROW_EMERGENCY_GRACE", escrow.DefaultEmergencyGrace),
		EventPayload:   getEnv("ESCROW_EVENT_PAYLOAD", string(escrow.PayloadRich)),
		MaxAmount:      os.Getenv("ESCROW_MAX_AMOUNT"),

		RateLimitRPM:    int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		AllowedOrigins:  splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		SamplerInterval: getEnvDuration("SAMPLER_INTERVAL", DefaultSamplerInterval),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		MaxRequestSize:  getEnvInt64("MAX_REQUEST_SIZE", DefaultMaxRequestSize),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadProfiles(path string) (*profileFile, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("read CONFIG_FILE: %w", err)
	}
	var f profileFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse CONFIG_FILE: %w", err)
	}
	return &f, nil
}

// mergeProfiles overlays file entries on the built-ins field by field.
func mergeProfiles(base, over map[string]Network) map[string]Network {
	out := make(map[string]Network, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		cur := out[k]
		if v.RPCURL != "" {
			cur.RPCURL = v.RPCURL
		}
		if v.ChainID != 0 {
			cur.ChainID = v.ChainID
		}
		if v.TokenContract != "" {
			cur.TokenContract = v.TokenContract
		}
		if v.CustodyKey != "" {
			cur.CustodyKey = v.CustodyKey
		}
		out[k] = cur
	}
	return out
}

// Validate checks that all required configuration is present and coherent
func (c *Config) Validate() error {
	var errs []error

	if _, err := parseRole("ESCROW_OWNER", c.Owner); err != nil {
		errs = append(errs, err)
	}
	if c.Arbitrator != "" {
		if _, err := parseRole("ESCROW_ARBITRATOR", c.Arbitrator); err != nil {
			errs = append(errs, err)
		}
	}
	if c.PlatformWallet != "" {
		if _, err := parseRole("ESCROW_PLATFORM_WALLET", c.PlatformWallet); err != nil {
			errs = append(errs, err)
		}
	}

	fee, err1 := units.Parse(c.Fee)
	minFee, err2 := units.Parse(c.MinFee)
	maxFee, err3 := units.Parse(c.MaxFee)
	switch {
	case err1 != nil || err2 != nil || err3 != nil:
		errs = append(errs, fmt.Errorf("ESCROW_FEE, ESCROW_MIN_FEE and ESCROW_MAX_FEE must be token amounts: %w", errors.Join(err1, err2, err3)))
	case minFee == 0 || minFee > fee || fee > maxFee:
		errs = append(errs, fmt.Errorf("fee bounds must satisfy 0 < min <= fee <= max (got %s <= %s <= %s)", c.MinFee, c.Fee, c.MaxFee))
	}

	if c.MaxAmount != "" {
		if _, err := units.Parse(c.MaxAmount); err != nil {
			errs = append(errs, fmt.Errorf("ESCROW_MAX_AMOUNT: %w", err))
		}
	}

	switch escrow.DeadlineMode(c.DeadlineMode) {
	case escrow.DeadlineExplicit:
	case escrow.DeadlineFixed:
		if c.FixedWindow <= 0 {
			errs = append(errs, errors.New("ESCROW_FIXED_WINDOW must be positive in fixed deadline mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("ESCROW_DEADLINE_MODE must be explicit or fixed, got %q", c.DeadlineMode))
	}
	if c.MaxWindow < 0 || c.EmergencyGrace < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}

	switch escrow.PayloadMode(c.EventPayload) {
	case escrow.PayloadRich, escrow.PayloadMinimal:
	default:
		errs = append(errs, fmt.Errorf("ESCROW_EVENT_PAYLOAD must be rich or minimal, got %q", c.EventPayload))
	}

	if c.CustodyKey != "" {
		key := strings.TrimPrefix(c.CustodyKey, "0x")
		if len(key) != 64 {
			errs = append(errs, errors.New("CUSTODY_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)"))
		}
		if c.RPCURL == "" {
			errs = append(errs, errors.New("RPC_URL is required with a custody key"))
		}
		if c.TokenContract == "" {
			errs = append(errs, fmt.Errorf("TOKEN_CONTRACT is required for network %q", c.Network))
		}
	}

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required in production"))
		}
		if c.CustodyKey == "" {
			errs = append(errs, errors.New("CUSTODY_PRIVATE_KEY is required in production"))
		}
	}

	return errors.Join(errs...)
}

func parseRole(name, v string) (address.Address, error) {
	if v == "" {
		return address.Zero, fmt.Errorf("%s is required", name)
	}
	a, err := address.Parse(v)
	if err != nil || a.IsZero() {
		return address.Zero, fmt.Errorf("%s is not a valid address: %q", name, v)
	}
	return a, nil
}

// EscrowConfig converts the validated settings to the escrow service's form.
func (c *Config) EscrowConfig() escrow.Config {
	cfg := escrow.DefaultConfig()
	cfg.DeadlineMode = escrow.DeadlineMode(c.DeadlineMode)
	cfg.FixedWindow = c.FixedWindow
	cfg.MaxWindow = c.MaxWindow
	cfg.EmergencyGrace = c.EmergencyGrace
	cfg.EventPayload = escrow.PayloadMode(c.EventPayload)
	cfg.Fees = escrow.FeePolicy{Min: units.MustParse(c.MinFee), Max: units.MustParse(c.MaxFee)}
	if c.MaxAmount != "" {
		cfg.MaxAmount = units.MustParse(c.MaxAmount)
	}
	return cfg
}

// EscrowDefaults are the settings used when the store has none yet.
// Arbitrator and platform wallet fall back to the owner.
func (c *Config) EscrowDefaults(token address.Address) escrow.Settings {
	owner := address.MustParse(c.Owner)
	s := escrow.Settings{
		Owner:          owner,
		Arbitrator:     owner,
		PlatformWallet: owner,
		Token:          token,
		Fee:            units.MustParse(c.Fee),
	}
	if c.Arbitrator != "" {
		s.Arbitrator = address.MustParse(c.Arbitrator)
	}
	if c.PlatformWallet != "" {
		s.PlatformWallet = address.MustParse(c.PlatformWallet)
	}
	return s
}

// UsesChain reports whether a real token contract backs custody.
func (c *Config) UsesChain() bool {
	return c.CustodyKey != ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
