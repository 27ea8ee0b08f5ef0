package payment

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// Claim is the parsed client proof: an unauthenticated assertion of which
// on-chain transaction satisfies the challenge. Every fact that gates the
// accept decision is re-derived from the chain; the claim only tells the
// verifier what to look up.
type Claim struct {
	TxHash    string `json:"txHash"`
	From      string `json:"from"`
	Amount    string `json:"amount"`
	Timestamp int64  `json:"timestamp"`
}

// ParseError describes a structural defect in the X-Payment header.
// Structural failures short-circuit before any network call is made.
type ParseError struct {
	Field  string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ParseHeader decodes an X-Payment header value into a validated Claim.
// The value is either a raw JSON object or base64(JSON); JSON is tried
// first, base64 on failure.
func ParseHeader(raw string) (*Claim, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, &ParseError{Reason: "empty header"}
	}

	var c Claim
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		decoded, b64Err := base64.StdEncoding.DecodeString(raw)
		if b64Err != nil {
			return nil, &ParseError{Reason: "neither valid JSON nor base64"}
		}
		if err := json.Unmarshal(decoded, &c); err != nil {
			return nil, &ParseError{Reason: "base64 payload is not valid JSON"}
		}
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Claim) validate() error {
	if !isHex(c.TxHash, 64) {
		return &ParseError{Field: "txHash", Reason: "must be 0x-prefixed 64-char hex"}
	}
	// The hash keys the replay guard and the ledger, so case variants of
	// the same transaction must collapse to a single canonical form.
	c.TxHash = strings.ToLower(c.TxHash)
	if !isHex(c.From, 40) {
		return &ParseError{Field: "from", Reason: "must be 0x-prefixed 40-char hex"}
	}
	amt, ok := new(big.Int).SetString(c.Amount, 10)
	if !ok || amt.Sign() < 0 {
		return &ParseError{Field: "amount", Reason: "must be a non-negative base-unit integer"}
	}
	return nil
}

// ClaimedAmount returns the claim's amount as an integer.
// Only call on a Claim produced by ParseHeader.
func (c *Claim) ClaimedAmount() *big.Int {
	amt, _ := new(big.Int).SetString(c.Amount, 10)
	if amt == nil {
		amt = new(big.Int)
	}
	return amt
}

func isHex(s string, hexLen int) bool {
	if !strings.HasPrefix(s, "0x") || len(s) != hexLen+2 {
		return false
	}
	for _, r := range s[2:] {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
