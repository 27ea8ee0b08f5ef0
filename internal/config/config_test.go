package config

import (
	"math/big"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Origin: OriginConfig{URL: "http://origin:3000"},
		Chain: ChainConfig{
			RPCURL:  "https://mainnet.base.org",
			ChainID: 8453,
		},
		Payment: PaymentConfig{
			Network:       "base",
			Recipient:     "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
			TokenContract: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
			DefaultPrice:  "10000",
		},
		Scoring: ScoringConfig{Threshold: 30},
	}
}

func TestValidate_OK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

// The gateway must fail closed: every missing payment-critical setting is
// a startup error, never a silently skipped check.
func TestValidate_FailsClosed(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing origin", func(c *Config) { c.Origin.URL = "" }},
		{"missing rpc", func(c *Config) { c.Chain.RPCURL = "" }},
		{"missing recipient", func(c *Config) { c.Payment.Recipient = "" }},
		{"missing token contract", func(c *Config) { c.Payment.TokenContract = "" }},
		{"missing chain id", func(c *Config) { c.Chain.ChainID = 0 }},
		{"non-integer price", func(c *Config) { c.Payment.DefaultPrice = "0.01" }},
		{"non-numeric price", func(c *Config) { c.Payment.DefaultPrice = "ten" }},
		{"bad route price", func(c *Config) { c.Payment.RoutePrices = map[string]string{"/api": "1e6"} }},
		{"threshold too high", func(c *Config) { c.Scoring.Threshold = 150 }},
		{"threshold negative", func(c *Config) { c.Scoring.Threshold = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestPrice_LongestPrefixWins(t *testing.T) {
	cfg := validConfig()
	cfg.Payment.RoutePrices = map[string]string{
		"/api":       "1000",
		"/api/bulk":  "50000",
		"/downloads": "2500",
	}

	cases := []struct {
		path string
		want int64
	}{
		{"/api/items", 1000},
		{"/api/bulk/export", 50000},
		{"/downloads/file.zip", 2500},
		{"/anything-else", 10000}, // default
	}
	for _, tc := range cases {
		if got := cfg.Price(tc.path); got.Cmp(big.NewInt(tc.want)) != 0 {
			t.Errorf("Price(%q) = %s, want %d", tc.path, got, tc.want)
		}
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("ORIGIN_URL", "http://origin:3000")
	t.Setenv("RPC_URL", "https://mainnet.base.org")
	t.Setenv("CHAIN_ID", "8453")
	t.Setenv("PAY_TO_ADDRESS", "0x209693Bc6afc0C5328bA36FaF03C514EF312287C")
	t.Setenv("TOKEN_CONTRACT", "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	t.Setenv("BOT_THRESHOLD", "45")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scoring.Threshold != 45 {
		t.Errorf("threshold = %d, want 45", cfg.Scoring.Threshold)
	}
	if cfg.Payment.DefaultPrice != "10000" {
		t.Errorf("default price = %q", cfg.Payment.DefaultPrice)
	}
	if cfg.Payment.ReplayTTLHours != 720 {
		t.Errorf("replay ttl = %d, want 720", cfg.Payment.ReplayTTLHours)
	}
	if cfg.Chain.Confirmations != 1 {
		t.Errorf("confirmations = %d, want 1", cfg.Chain.Confirmations)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("ORIGIN_URL", "http://origin:3000")
	t.Setenv("RPC_URL", "")
	t.Setenv("CHAIN_ID", "8453")
	t.Setenv("PAY_TO_ADDRESS", "0x209693Bc6afc0C5328bA36FaF03C514EF312287C")
	t.Setenv("TOKEN_CONTRACT", "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")

	if _, err := Load(); err == nil {
		t.Error("expected error for missing RPC_URL")
	}
}
