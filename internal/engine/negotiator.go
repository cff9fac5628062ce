package engine

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/kevinfb92/ibkr-strategy-builder-backend/internal/broker"
)

// knownPromptPhrases are fragments of the broker's informational confirmation
// dialogs that are safe to auto-affirm. Anything outside this list needs
// human financial judgment and is treated as a rejection.
var knownPromptPhrases = []string{
	"you are about to submit a stop order",
	"limited liquidity",
	"outside of regular trading hours",
	"exceeds the price cap",
	"price cap",
	"extended hours",
}

// promptRecognized reports whether a confirmation prompt belongs to a
// pre-classified informational class.
func promptRecognized(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range knownPromptPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// ConfirmationNegotiator drives the broker's multi-round confirmation dialog
// after order submission until the order is accepted, rejected, or the round
// budget runs out.
type ConfirmationNegotiator struct {
	gateway     broker.Gateway
	maxRounds   int
	maxAttempts int // network attempts per round
	retryDelay  time.Duration
	callTimeout time.Duration
}

// NewConfirmationNegotiator builds a negotiator with the given round budget.
// maxAttempts bounds the retries for transient broker faults within a single
// round.
func NewConfirmationNegotiator(gateway broker.Gateway, maxRounds, maxAttempts int, callTimeout time.Duration) *ConfirmationNegotiator {
	if maxRounds <= 0 {
		maxRounds = 5
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &ConfirmationNegotiator{
		gateway:     gateway,
		maxRounds:   maxRounds,
		maxAttempts: maxAttempts,
		retryDelay:  500 * time.Millisecond,
		callTimeout: callTimeout,
	}
}

// Negotiate submits spec and answers confirmation prompts until a terminal
// outcome. Returns the broker order id on acceptance. Shutdown via ctx is
// honored only between rounds so a half-submitted order is never abandoned
// mid-dialog.
func (n *ConfirmationNegotiator) Negotiate(ctx context.Context, spec broker.OrderSpec) (string, error) {
	res, err := n.callWithRetry(ctx, func(callCtx context.Context) (*broker.SubmitResult, error) {
		return n.gateway.PlaceOrder(callCtx, spec)
	})
	if err != nil {
		return "", err
	}

	roundsUsed := 0
	for {
		switch res.Outcome {
		case broker.OutcomeAccepted:
			if roundsUsed > 0 {
				log.Printf("[negotiator] order %s accepted after %d confirmation round(s)", spec.LocalID, roundsUsed)
			}
			return res.BrokerOrderID, nil

		case broker.OutcomeRejected:
			reason := res.Reason
			if reason == "" {
				reason = "broker rejected order"
			}
			return "", rejectedErr(reason)

		case broker.OutcomeMorePrompts:
			if roundsUsed >= n.maxRounds {
				return "", ErrConfirmationExhausted
			}
			if !promptRecognized(res.PromptText) {
				log.Printf("[negotiator] refusing to auto-affirm prompt for %s: %q", spec.LocalID, res.PromptText)
				return "", rejectedErr("unrecognized confirmation")
			}

			// Round boundary: the only place shutdown is honored.
			if err := ctx.Err(); err != nil {
				return "", err
			}

			log.Printf("[negotiator] auto-affirming prompt for %s (round %d/%d): %q",
				spec.LocalID, roundsUsed+1, n.maxRounds, res.PromptText)

			promptID := res.PromptID
			res, err = n.callWithRetry(ctx, func(callCtx context.Context) (*broker.SubmitResult, error) {
				return n.gateway.ConfirmOrder(callCtx, promptID, true)
			})
			if err != nil {
				return "", err
			}
			roundsUsed++

		default:
			return "", rejectedErr("unknown confirmation outcome")
		}
	}
}

// callWithRetry runs one network call with a per-call timeout, retrying
// transient faults with a short backoff. Each call gets its own deadline
// detached from ctx cancellation so an in-flight round completes even during
// shutdown.
func (n *ConfirmationNegotiator) callWithRetry(ctx context.Context, call func(context.Context) (*broker.SubmitResult, error)) (*broker.SubmitResult, error) {
	var lastErr error
	delay := n.retryDelay

	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.callTimeout)
		res, err := call(callCtx)
		cancel()
		if err == nil {
			return res, nil
		}
		if !broker.IsUnavailable(err) {
			return nil, err
		}

		lastErr = err
		if attempt < n.maxAttempts {
			log.Printf("[negotiator] broker unavailable (attempt %d/%d): %v", attempt, n.maxAttempts, err)
			time.Sleep(delay)
			delay *= 2
		}
	}
	return nil, lastErr
}
