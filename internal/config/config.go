package config

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig
	Origin  OriginConfig
	Redis   RedisConfig
	Chain   ChainConfig
	Payment PaymentConfig
	Scoring ScoringConfig
	Ledger  LedgerConfig
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type OriginConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type ChainConfig struct {
	RPCURL         string `mapstructure:"rpc_url"`
	FallbackRPCURL string `mapstructure:"fallback_rpc_url"`
	ChainID        int64  `mapstructure:"chain_id"`
	Confirmations  uint64 `mapstructure:"confirmations"`
	RPCTimeoutMS   int64  `mapstructure:"rpc_timeout_ms"`
}

type PaymentConfig struct {
	Network string `mapstructure:"network"`
	// Recipient is the address payments must be sent to.
	Recipient string `mapstructure:"recipient"`
	// TokenContract is the ERC-20 contract whose Transfer events settle payments.
	TokenContract string `mapstructure:"token_contract"`
	// DefaultPrice is the per-request price in the token's base unit (USDC: 6 decimals).
	DefaultPrice string `mapstructure:"default_price"`
	// RoutePrices overrides DefaultPrice per path prefix, base-unit strings.
	RoutePrices      map[string]string `mapstructure:"route_prices"`
	TimeoutSeconds   int               `mapstructure:"timeout_seconds"`
	ReplayTTLHours   int64             `mapstructure:"replay_ttl_hours"`
	DocumentationURL string            `mapstructure:"documentation_url"`
}

type ScoringConfig struct {
	Threshold int `mapstructure:"threshold"`
	// BotScoreHeader names the upstream bot-management score header, if any.
	BotScoreHeader string `mapstructure:"bot_score_header"`
	// ExtraAllowedAgents supplements the built-in crawler allowlist.
	ExtraAllowedAgents []string `mapstructure:"extra_allowed_agents"`
}

type LedgerConfig struct {
	Path string `mapstructure:"path"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8402)
	v.SetDefault("payment.network", "base")
	v.SetDefault("payment.default_price", "10000")
	v.SetDefault("payment.timeout_seconds", 300)
	v.SetDefault("payment.replay_ttl_hours", 720)
	v.SetDefault("scoring.threshold", 30)
	v.SetDefault("scoring.bot_score_header", "X-Bot-Score")
	v.SetDefault("chain.confirmations", 1)
	v.SetDefault("chain.rpc_timeout_ms", 3000)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("ledger.path", "tollgate.db")

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":              "PORT",
		"origin.url":               "ORIGIN_URL",
		"redis.addr":               "REDIS_ADDR",
		"redis.password":           "REDIS_PASSWORD",
		"chain.rpc_url":            "RPC_URL",
		"chain.fallback_rpc_url":   "FALLBACK_RPC_URL",
		"chain.chain_id":           "CHAIN_ID",
		"chain.confirmations":      "CONFIRMATIONS",
		"chain.rpc_timeout_ms":     "RPC_TIMEOUT_MS",
		"payment.network":          "PAYMENT_NETWORK",
		"payment.recipient":        "PAY_TO_ADDRESS",
		"payment.token_contract":   "TOKEN_CONTRACT",
		"payment.default_price":    "DEFAULT_PRICE",
		"payment.timeout_seconds":  "PAYMENT_TIMEOUT_SEC",
		"payment.replay_ttl_hours": "REPLAY_TTL_HOURS",
		"scoring.threshold":        "BOT_THRESHOLD",
		"scoring.bot_score_header": "BOT_SCORE_HEADER",
		"ledger.path":              "LEDGER_PATH",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.Validate()
}

// Validate fails closed: a gateway with an incomplete payment configuration
// must refuse to start rather than silently skip verification.
func (c *Config) Validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Origin.URL, "ORIGIN_URL"},
		{c.Chain.RPCURL, "RPC_URL"},
		{c.Payment.Recipient, "PAY_TO_ADDRESS"},
		{c.Payment.TokenContract, "TOKEN_CONTRACT"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("required config missing: CHAIN_ID")
	}
	if _, ok := new(big.Int).SetString(c.Payment.DefaultPrice, 10); !ok {
		return fmt.Errorf("invalid DEFAULT_PRICE: %q", c.Payment.DefaultPrice)
	}
	for route, price := range c.Payment.RoutePrices {
		if _, ok := new(big.Int).SetString(price, 10); !ok {
			return fmt.Errorf("invalid route price for %s: %q", route, price)
		}
	}
	if c.Scoring.Threshold < 0 || c.Scoring.Threshold > 100 {
		return fmt.Errorf("BOT_THRESHOLD must be 0-100, got %d", c.Scoring.Threshold)
	}
	return nil
}

// Price returns the configured price for a request path, falling back to the
// default when no route override matches. Longest matching prefix wins.
func (c *Config) Price(path string) *big.Int {
	bestLen := -1
	bestPrice := c.Payment.DefaultPrice
	for route, price := range c.Payment.RoutePrices {
		if strings.HasPrefix(path, route) && len(route) > bestLen {
			bestLen = len(route)
			bestPrice = price
		}
	}
	p, ok := new(big.Int).SetString(bestPrice, 10)
	if !ok {
		p, _ = new(big.Int).SetString(c.Payment.DefaultPrice, 10)
	}
	return p
}
