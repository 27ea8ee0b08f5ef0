package challenge

import (
	"fmt"
	"math/big"
)

// Requirement fully specifies what a compliant client must pay: chain,
// token, recipient, and minimum amount in base units. Built fresh per
// request from static config; never persisted. Amounts are always integer
// strings — no floats anywhere in the amount path.
type Requirement struct {
	Scheme           string
	Network          string
	MinAmount        *big.Int
	Recipient        string
	TokenContract    string
	Resource         string
	TimeoutSeconds   int
	DocumentationURL string
}

// RequirementJSON is the paymentRequirements object inside the 402 body.
type RequirementJSON struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource"`
	PayTo             string `json:"payTo"`
	Asset             string `json:"asset"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
}

// PaymentRequired is the full 402 response body.
type PaymentRequired struct {
	Error               string          `json:"error"`
	Message             string          `json:"message"`
	PaymentRequirements RequirementJSON `json:"paymentRequirements"`
	Documentation       string          `json:"documentation,omitempty"`
}

// Issuer builds payment requirements from static configuration.
// Pure and total: it never fails for a validated configuration.
type Issuer struct {
	Network          string
	Recipient        string
	TokenContract    string
	TimeoutSeconds   int
	DocumentationURL string
}

// Issue builds the requirement for one resource at one price.
func (i *Issuer) Issue(resource string, price *big.Int) Requirement {
	return Requirement{
		Scheme:           "exact",
		Network:          i.Network,
		MinAmount:        new(big.Int).Set(price),
		Recipient:        i.Recipient,
		TokenContract:    i.TokenContract,
		Resource:         resource,
		TimeoutSeconds:   i.TimeoutSeconds,
		DocumentationURL: i.DocumentationURL,
	}
}

// Body renders the 402 response body for a requirement. reason is the
// machine-readable rejection code ("payment_required" on first challenge,
// or a verification failure code on retry).
func (r Requirement) Body(reason string) PaymentRequired {
	return PaymentRequired{
		Error: reason,
		Message: fmt.Sprintf(
			"Payment of %s base units of token %s on %s to %s is required to access %s. Submit proof in the %s header.",
			r.MinAmount.String(), r.TokenContract, r.Network, r.Recipient, r.Resource, "X-Payment",
		),
		PaymentRequirements: RequirementJSON{
			Scheme:            r.Scheme,
			Network:           r.Network,
			MaxAmountRequired: r.MinAmount.String(),
			Resource:          r.Resource,
			PayTo:             r.Recipient,
			Asset:             fmt.Sprintf("%s:%s", r.Network, r.TokenContract),
			MaxTimeoutSeconds: r.TimeoutSeconds,
		},
		Documentation: r.DocumentationURL,
	}
}
