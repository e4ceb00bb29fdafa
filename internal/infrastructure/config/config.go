package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Environment string                 `mapstructure:"environment"`
	LogLevel    string                 `mapstructure:"log_level"`
	Server      ServerConfig           `mapstructure:"server"`
	Database    DatabaseConfig         `mapstructure:"database"`
	Redis       RedisConfig            `mapstructure:"redis"`
	Kafka       KafkaConfig            `mapstructure:"kafka"`
	Tracing     TracingConfig          `mapstructure:"tracing"`
	Chains      map[string]ChainConfig `mapstructure:"chains"`
	Custody     CustodyConfig          `mapstructure:"custody"`
	DEX         DEXConfig              `mapstructure:"dex"`
	Tokens      []TokenConfig          `mapstructure:"tokens"`
	Bridge      BridgeConfig           `mapstructure:"bridge"`
	Payout      PayoutConfig           `mapstructure:"payout"`
	Workers     WorkerConfig           `mapstructure:"workers"`
}

type ServerConfig struct {
	Port            int      `mapstructure:"port"`
	Host            string   `mapstructure:"host"`
	ReadTimeout     int      `mapstructure:"read_timeout"`
	WriteTimeout    int      `mapstructure:"write_timeout"`
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	RateLimitPerMin int      `mapstructure:"rate_limit_per_min"`
	AdminAPIKey     string   `mapstructure:"admin_api_key"`
}

type DatabaseConfig struct {
	URL             string `mapstructure:"url"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string `mapstructure:"migrations_path"`
}

type RedisConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Password        string        `mapstructure:"password"`
	DB              int           `mapstructure:"db"`
	PoolSize        int           `mapstructure:"pool_size"`
	VerificationTTL time.Duration `mapstructure:"verification_ttl"`
}

// KafkaConfig configures the deposit event publisher. Empty brokers disables publishing.
type KafkaConfig struct {
	Brokers      []string `mapstructure:"brokers"`
	DepositTopic string   `mapstructure:"deposit_topic"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	CollectorURL string  `mapstructure:"collector_url"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

// ChainConfig describes one EVM chain and its CCTP deployment
type ChainConfig struct {
	ChainID            int64    `mapstructure:"chain_id"`
	RPCURLs            []string `mapstructure:"rpc_urls"`
	ExplorerURL        string   `mapstructure:"explorer_url"`
	CCTPDomain         uint32   `mapstructure:"cctp_domain"`
	TokenMessenger     string   `mapstructure:"token_messenger"`
	MessageTransmitter string   `mapstructure:"message_transmitter"`
	USDC               string   `mapstructure:"usdc"`
}

// CustodyConfig names the deposit chain, the custodial wallet and its signing key
type CustodyConfig struct {
	Chain            string        `mapstructure:"chain"`
	Wallet           string        `mapstructure:"wallet"`
	PrivateKey       string        `mapstructure:"private_key"`
	TokenSymbol      string        `mapstructure:"token_symbol"`
	TokenAddress     string        `mapstructure:"token_address"`
	TokenDecimals    int32         `mapstructure:"token_decimals"`
	ReceiptTimeout   time.Duration `mapstructure:"receipt_timeout"`
	ReceiptPollEvery time.Duration `mapstructure:"receipt_poll_every"`
}

type DEXConfig struct {
	Factory          string             `mapstructure:"factory"`
	Quoter           string             `mapstructure:"quoter"`
	Router           string             `mapstructure:"router"`
	FeeTiers         []uint32           `mapstructure:"fee_tiers"`
	StablePairs      []StablePairConfig `mapstructure:"stable_pairs"`
	Deadline         time.Duration      `mapstructure:"deadline"`
	SwapGasLimit     uint64             `mapstructure:"swap_gas_limit"`
	ApprovalGasLimit uint64             `mapstructure:"approval_gas_limit"`
}

type StablePairConfig struct {
	TokenA string `mapstructure:"token_a"`
	TokenB string `mapstructure:"token_b"`
	Fee    uint32 `mapstructure:"fee"`
}

type TokenConfig struct {
	Symbol   string `mapstructure:"symbol"`
	Address  string `mapstructure:"address"`
	Decimals int32  `mapstructure:"decimals"`
}

type BridgeConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	Environment        string        `mapstructure:"environment"`
	Timeout            time.Duration `mapstructure:"timeout"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	AttestationTimeout time.Duration `mapstructure:"attestation_timeout"`
}

type PayoutConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	WebhookSecret     string        `mapstructure:"webhook_secret"`
	CallbackURL       string        `mapstructure:"callback_url"`
	SettlementWallet  string        `mapstructure:"settlement_wallet"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	FiatPrecision     int32         `mapstructure:"fiat_precision"`
}

type WorkerConfig struct {
	DepositPollInterval time.Duration `mapstructure:"deposit_poll_interval"`
	Confirmations       uint64        `mapstructure:"confirmations"`
	MaxBlockRange       uint64        `mapstructure:"max_block_range"`
	StartBlock          uint64        `mapstructure:"start_block"`
	ReconcileSchedule   string        `mapstructure:"reconcile_schedule"`
	BackfillWindow      uint64        `mapstructure:"backfill_window"`
}

// DepositChain returns the configuration of the custodial deposit chain
func (c *Config) DepositChain() ChainConfig {
	return c.Chains[c.Custody.Chain]
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore errors if file doesn't exist)
	godotenv.Load()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	overrideFromEnv()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if config.Database.URL == "" {
		config.Database.URL = fmt.Sprintf(
			"postgres://%s:%s@%s:%d/%s?sslmode=%s",
			config.Database.User,
			config.Database.Password,
			config.Database.Host,
			config.Database.Port,
			config.Database.Name,
			config.Database.SSLMode,
		)
	}
	config.normalize()

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", 30)
	viper.SetDefault("server.write_timeout", 30)
	viper.SetDefault("server.rate_limit_per_min", 100)

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "settlement_service")
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", 3600)
	viper.SetDefault("database.migrations_path", "file://migrations")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.verification_ttl", "10m")

	viper.SetDefault("kafka.deposit_topic", "deposit.recorded")

	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.collector_url", "localhost:4317")
	viper.SetDefault("tracing.sample_rate", 1.0)

	viper.SetDefault("custody.chain", "sepolia")
	viper.SetDefault("custody.token_symbol", "USDC")
	viper.SetDefault("custody.token_decimals", 6)
	viper.SetDefault("custody.receipt_timeout", "3m")
	viper.SetDefault("custody.receipt_poll_every", "2s")

	// Uniswap V3 on Sepolia
	viper.SetDefault("dex.factory", "0x0227628f3F023bb0B980b67D528571c95c6DaC1c")
	viper.SetDefault("dex.quoter", "0xEd1f6473345F45b75F8179591dd5bA1888cf2FB3")
	viper.SetDefault("dex.router", "0x3bFA4769FB09eefC5a80d6E87c3B9C650f7Ae48E")
	viper.SetDefault("dex.fee_tiers", []uint32{100, 500, 3000, 10000})
	viper.SetDefault("dex.deadline", "20m")
	viper.SetDefault("dex.swap_gas_limit", 300000)
	viper.SetDefault("dex.approval_gas_limit", 60000)

	viper.SetDefault("bridge.environment", "sandbox")
	viper.SetDefault("bridge.timeout", "30s")
	viper.SetDefault("bridge.poll_interval", "10s")
	viper.SetDefault("bridge.attestation_timeout", "30m")

	viper.SetDefault("payout.timeout", "30s")
	viper.SetDefault("payout.requests_per_second", 10)
	viper.SetDefault("payout.fiat_precision", 2)

	viper.SetDefault("workers.deposit_poll_interval", "15s")
	viper.SetDefault("workers.confirmations", 3)
	viper.SetDefault("workers.max_block_range", 2000)
	viper.SetDefault("workers.reconcile_schedule", "*/10 * * * *")
	viper.SetDefault("workers.backfill_window", 5000)
}

func overrideFromEnv() {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			viper.Set("server.port", p)
		}
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		viper.Set("database.url", dbURL)
	}

	if key := os.Getenv("ADMIN_API_KEY"); key != "" {
		viper.Set("server.admin_api_key", key)
	}
	if key := os.Getenv("SIGNER_PRIVATE_KEY"); key != "" {
		viper.Set("custody.private_key", key)
	}
	if wallet := os.Getenv("CUSTODIAL_WALLET"); wallet != "" {
		viper.Set("custody.wallet", wallet)
	}

	if apiKey := os.Getenv("PAYOUT_API_KEY"); apiKey != "" {
		viper.Set("payout.api_key", apiKey)
	}
	if secret := os.Getenv("PAYOUT_WEBHOOK_SECRET"); secret != "" {
		viper.Set("payout.webhook_secret", secret)
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		viper.Set("kafka.brokers", splitList(brokers))
	}

	// RPC_URLS_BASE_SEPOLIA=https://a,https://b sets chains.base-sepolia.rpc_urls
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, "RPC_URLS_") || value == "" {
			continue
		}
		chain := chainKey(strings.TrimPrefix(name, "RPC_URLS_"))
		if urls := splitList(value); len(urls) > 0 {
			viper.Set("chains."+chain+".rpc_urls", urls)
		}
	}
}

func (c *Config) normalize() {
	c.Custody.Chain = strings.ToLower(c.Custody.Chain)
	chains := make(map[string]ChainConfig, len(c.Chains))
	for name, chain := range c.Chains {
		chains[strings.ToLower(name)] = chain
	}
	c.Chains = chains
}

func validate(config *Config) error {
	if config.Database.URL == "" && (config.Database.Host == "" || config.Database.Name == "") {
		return fmt.Errorf("database configuration is incomplete")
	}

	deposit, ok := config.Chains[config.Custody.Chain]
	if !ok {
		return fmt.Errorf("deposit chain %q is not configured", config.Custody.Chain)
	}
	if len(deposit.RPCURLs) == 0 {
		return fmt.Errorf("deposit chain %q has no rpc urls", config.Custody.Chain)
	}
	if config.Custody.Wallet == "" {
		return fmt.Errorf("custodial wallet is required")
	}
	if config.Custody.PrivateKey == "" {
		return fmt.Errorf("signer private key is required")
	}
	if config.Custody.TokenAddress == "" {
		return fmt.Errorf("deposit token address is required")
	}

	for name, chain := range config.Chains {
		if len(chain.RPCURLs) == 0 {
			return fmt.Errorf("chain %q has no rpc urls", name)
		}
	}

	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func chainKey(env string) string {
	return strings.ReplaceAll(strings.ToLower(env), "_", "-")
}
