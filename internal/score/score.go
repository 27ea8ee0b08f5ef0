package score

import (
	"strings"

	"github.com/tollgate-labs/tollgate/internal/signals"
)

// Rule is one weighted piece of bot evidence, evaluated against a signal set.
type Rule struct {
	Name   string
	Weight int
	Match  func(signals.Set) bool
}

// Matched records a rule that fired, in rule-table order.
type Matched struct {
	Name   string
	Weight int
}

// Verdict is the scoring result for a single request.
type Verdict struct {
	// Confidence is 0-100: the share of all possible rule weight matched.
	Confidence int
	IsBot      bool
	// ShouldCharge is false for allowlisted crawlers: identified as bots
	// but never challenged.
	ShouldCharge bool
	Matched      []Matched
}

// DefaultRules is the standard evidence table. The denominator of the
// confidence score is the sum of every weight here, so adding or removing
// a rule rescales all scores rather than shifting the 0-100 range.
func DefaultRules() []Rule {
	return []Rule{
		{"missing-user-agent", 35, func(s signals.Set) bool { return s.MissingUA }},
		{"automated-user-agent", 30, func(s signals.Set) bool { return s.AutomatedUA }},
		{"upstream-bot-score", 25, func(s signals.Set) bool {
			return s.UpstreamBotScore >= 0 && s.UpstreamBotScore < 30
		}},
		// A browser never sends a payment proof; its presence is itself
		// strong evidence, closing the "human-looking request with a forged
		// proof" bypass.
		{"payment-proof-present", 25, func(s signals.Set) bool { return s.HasPaymentProof }},
		{"no-client-hints", 15, func(s signals.Set) bool { return s.NoClientHints }},
		{"missing-accept-language", 10, func(s signals.Set) bool { return s.MissingLanguage }},
		{"missing-accept", 10, func(s signals.Set) bool { return s.MissingAccept }},
		{"missing-accept-encoding", 5, func(s signals.Set) bool { return s.MissingEncoding }},
		{"no-cookies", 5, func(s signals.Set) bool { return s.NoCookies }},
	}
}

// allowedCrawlers are user-agent fragments of known, non-adversarial
// indexers. Charging these would be self-defeating.
var allowedCrawlers = []string{
	"googlebot", "bingbot", "duckduckbot", "slurp", "baiduspider",
	"yandexbot", "applebot", "facebookexternalhit", "twitterbot", "linkedinbot",
}

// Scorer turns signal sets into verdicts. Pure; safe for concurrent use.
type Scorer struct {
	rules       []Rule
	totalWeight int
	threshold   int
	allowlist   []string
}

// New builds a Scorer from a rule table and a 0-100 bot threshold.
// extraAllowed supplements the built-in crawler allowlist.
func New(rules []Rule, threshold int, extraAllowed []string) *Scorer {
	total := 0
	for _, r := range rules {
		total += r.Weight
	}
	allow := make([]string, 0, len(allowedCrawlers)+len(extraAllowed))
	allow = append(allow, allowedCrawlers...)
	for _, a := range extraAllowed {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			allow = append(allow, a)
		}
	}
	return &Scorer{rules: rules, totalWeight: total, threshold: threshold, allowlist: allow}
}

// Score evaluates every rule against the signal set.
// Confidence = 100 * matchedWeight / totalWeight; no signals means 0 (human).
func (sc *Scorer) Score(s signals.Set) Verdict {
	v := Verdict{ShouldCharge: true}

	matched := 0
	for _, r := range sc.rules {
		if r.Match(s) {
			matched += r.Weight
			v.Matched = append(v.Matched, Matched{Name: r.Name, Weight: r.Weight})
		}
	}
	if sc.totalWeight > 0 {
		v.Confidence = 100 * matched / sc.totalWeight
	}
	v.IsBot = v.Confidence >= sc.threshold

	if sc.isAllowlisted(s.UserAgent) {
		// Identified for analytics, never challenged.
		v.IsBot = true
		v.ShouldCharge = false
	}
	return v
}

func (sc *Scorer) isAllowlisted(ua string) bool {
	if ua == "" {
		return false
	}
	ua = strings.ToLower(ua)
	for _, frag := range sc.allowlist {
		if strings.Contains(ua, frag) {
			return true
		}
	}
	return false
}
