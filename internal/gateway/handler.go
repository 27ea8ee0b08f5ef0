package gateway

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tollgate-labs/tollgate/internal/chain"
	"github.com/tollgate-labs/tollgate/internal/challenge"
	"github.com/tollgate-labs/tollgate/internal/config"
	"github.com/tollgate-labs/tollgate/internal/ledger"
	"github.com/tollgate-labs/tollgate/internal/payment"
	"github.com/tollgate-labs/tollgate/internal/score"
	"github.com/tollgate-labs/tollgate/internal/signals"
)

// TrustHeader marks a request as verified-and-paid on its way to the
// origin. It is stripped from every inbound request, so the origin only
// ever sees values this gateway set.
const TrustHeader = "X-Tollgate-Verified"

// Verifier is satisfied by chain.Verifier. Decoupled here so handler
// tests can use a mock.
type Verifier interface {
	Verify(ctx context.Context, claim *payment.Claim, req challenge.Requirement) (chain.Outcome, error)
}

// Handler owns the per-request accept/reject/challenge decision and the
// reverse proxy to the origin.
type Handler struct {
	rp       *httputil.ReverseProxy
	scorer   *score.Scorer
	issuer   *challenge.Issuer
	verifier Verifier
	rdb      *redis.Client
	cfg      *config.Config
	log      *zap.Logger
}

func NewHandler(cfg *config.Config, scorer *score.Scorer, issuer *challenge.Issuer, verifier Verifier, rdb *redis.Client, log *zap.Logger) (*Handler, error) {
	target, err := url.Parse(cfg.Origin.URL)
	if err != nil {
		return nil, err
	}
	rp := httputil.NewSingleHostReverseProxy(target)

	orig := rp.Director
	rp.Director = func(req *http.Request) {
		orig(req)
		req.Host = target.Host
	}

	return &Handler{
		rp:       rp,
		scorer:   scorer,
		issuer:   issuer,
		verifier: verifier,
		rdb:      rdb,
		cfg:      cfg,
		log:      log,
	}, nil
}

// Register mounts the gateway. Everything that is not an internal
// endpoint flows through Handle via NoRoute, so the origin's whole path
// space is covered without route-tree conflicts.
func (h *Handler) Register(r *gin.Engine) {
	r.NoRoute(h.Handle)
}

// Handle runs the request lifecycle:
// score → human/allowlisted: proxy | bot without proof: 402 |
// malformed proof: 400 | verification failure: 402 with reason |
// verified: ledger enqueue, proxy with trust header.
func (h *Handler) Handle(c *gin.Context) {
	// Clients must never be able to smuggle the trust header past us.
	c.Request.Header.Del(TrustHeader)

	sig := signals.Extract(c.Request, h.cfg.Scoring.BotScoreHeader)
	verdict := h.scorer.Score(sig)

	if !verdict.IsBot {
		h.forward(c)
		return
	}

	if !verdict.ShouldCharge {
		// Allowlisted crawler: identified for analytics, never challenged,
		// and never verified even if it carries a payment header.
		h.log.Info("allowlisted bot",
			zap.String("ua", sig.UserAgent),
			zap.String("path", c.Request.URL.Path),
		)
		h.forward(c)
		return
	}

	resource := resourceURL(c.Request)
	req := h.issuer.Issue(resource, h.cfg.Price(c.Request.URL.Path))

	raw := c.GetHeader(signals.PaymentHeader)
	if raw == "" {
		h.log.Info("bot challenged",
			zap.Int("confidence", verdict.Confidence),
			zap.String("path", c.Request.URL.Path),
		)
		c.AbortWithStatusJSON(http.StatusPaymentRequired, req.Body("payment_required"))
		return
	}

	claim, err := payment.ParseHeader(raw)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payment_header",
			"message": err.Error(),
		})
		return
	}

	outcome, err := h.verifier.Verify(c.Request.Context(), claim, req)
	if err != nil {
		// Replay store failure: fail closed, but tell the client to retry.
		h.log.Error("replay store unavailable", zap.Error(err))
		c.Header("Retry-After", "5")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
			"error": "verification_unavailable",
		})
		return
	}

	switch outcome.Kind {
	case chain.Valid:
		rec := ledger.Record{
			TxHash:    claim.TxHash,
			Sender:    outcome.ActualSender,
			Amount:    outcome.ActualAmount.String(),
			Endpoint:  c.Request.URL.Path,
			CreatedAt: time.Now().Unix(),
			Status:    ledger.StatusConfirmed,
		}
		// The replay guard has already committed, so the payment is
		// un-replayable either way; a lost audit row is recoverable by
		// reconciling against the chain.
		if err := ledger.Enqueue(c.Request.Context(), h.rdb, rec); err != nil {
			h.log.Error("ledger enqueue failed", zap.String("tx", claim.TxHash), zap.Error(err))
		}
		h.log.Info("payment verified",
			zap.String("tx", claim.TxHash),
			zap.String("sender", outcome.ActualSender),
			zap.String("amount", outcome.ActualAmount.String()),
			zap.String("path", c.Request.URL.Path),
		)
		c.Request.Header.Set(TrustHeader, outcome.ActualSender)
		h.forward(c)

	case chain.ChainUnreachable:
		// Transient: a well-behaved client should retry the same proof.
		c.Header("Retry-After", "10")
		c.AbortWithStatusJSON(http.StatusPaymentRequired, req.Body(outcome.Kind.Reason()))

	case chain.AlreadyConsumed:
		h.log.Warn("replayed payment proof",
			zap.String("tx", claim.TxHash),
			zap.String("claimed_from", claim.From),
		)
		c.AbortWithStatusJSON(http.StatusPaymentRequired, req.Body(outcome.Kind.Reason()))

	default:
		h.log.Info("payment rejected",
			zap.String("tx", claim.TxHash),
			zap.String("outcome", outcome.Kind.String()),
		)
		c.AbortWithStatusJSON(http.StatusPaymentRequired, req.Body(outcome.Kind.Reason()))
	}
}

// forward passes the request to the origin as-is.
func (h *Handler) forward(c *gin.Context) {
	h.rp.ServeHTTP(safeWriter{c.Writer}, c.Request)
}

func resourceURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.Path
}

// safeWriter wraps gin.ResponseWriter and overrides CloseNotify so that the
// reverse proxy never triggers a type-assertion on the underlying writer.
// gin.ResponseWriter implements the deprecated http.CloseNotifier, but the
// concrete writer in tests (*httptest.ResponseRecorder) does not, causing a
// panic inside net/http when the interface method is called.
//
//nolint:staticcheck
type safeWriter struct{ gin.ResponseWriter }

//nolint:staticcheck
func (s safeWriter) CloseNotify() <-chan bool { return make(chan bool, 1) }
