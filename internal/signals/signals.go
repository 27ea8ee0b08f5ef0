package signals

import (
	"net/http"
	"strconv"
	"strings"
)

// PaymentHeader is the header carrying the client's payment proof.
const PaymentHeader = "X-Payment"

// Set is the normalized view of one request's bot-relevant metadata.
// Derived once per request and discarded after scoring; never shared.
type Set struct {
	UserAgent       string
	MissingUA       bool
	AutomatedUA     bool
	MissingAccept   bool
	MissingLanguage bool
	MissingEncoding bool
	NoCookies       bool
	// NoClientHints is set when none of the Sec-Ch-Ua / Sec-Fetch-* headers
	// that every modern browser sends are present.
	NoClientHints bool
	// UpstreamBotScore is the upstream bot-management score, 0-100, where
	// lower means more bot-like (Cloudflare convention). -1 when absent.
	UpstreamBotScore int
	HasPaymentProof  bool
}

// automatedAgents are user-agent fragments that only programmatic clients send.
var automatedAgents = []string{
	"curl", "wget", "python-requests", "python-urllib", "go-http-client",
	"axios", "node-fetch", "okhttp", "httpclient", "scrapy", "headless",
	"bot", "spider", "crawl",
}

// Extract reads the request into a Set. Pure: no I/O, no request mutation.
func Extract(r *http.Request, botScoreHeader string) Set {
	ua := r.Header.Get("User-Agent")
	uaLower := strings.ToLower(ua)

	s := Set{
		UserAgent:        ua,
		MissingUA:        ua == "",
		MissingAccept:    r.Header.Get("Accept") == "",
		MissingLanguage:  r.Header.Get("Accept-Language") == "",
		MissingEncoding:  r.Header.Get("Accept-Encoding") == "",
		NoCookies:        r.Header.Get("Cookie") == "",
		UpstreamBotScore: -1,
		HasPaymentProof:  r.Header.Get(PaymentHeader) != "",
	}

	for _, frag := range automatedAgents {
		if strings.Contains(uaLower, frag) {
			s.AutomatedUA = true
			break
		}
	}

	s.NoClientHints = r.Header.Get("Sec-Ch-Ua") == "" &&
		r.Header.Get("Sec-Fetch-Mode") == "" &&
		r.Header.Get("Sec-Fetch-Site") == ""

	if botScoreHeader != "" {
		if raw := r.Header.Get(botScoreHeader); raw != "" {
			if score, err := strconv.Atoi(raw); err == nil && score >= 0 && score <= 100 {
				s.UpstreamBotScore = score
			}
		}
	}

	return s
}
