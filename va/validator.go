// Package va implements the HTTP-01 challenge validator (C9):
// fetching the well-known URL, comparing it to the expected key
// authorization, retrying on transient failure, and persisting the
// resulting state transition. Mirrors
// original_source/vism_acme/validators/http_01.py's retry/error
// taxonomy and the teacher's va/validation-authority.go background
// dispatch + constant-time comparison idiom.
package va

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ssaarts/vism/core"
	"github.com/ssaarts/vism/log"
	"github.com/ssaarts/vism/metrics"
	"github.com/ssaarts/vism/probs"
)

// Store is the persistence contract the validator needs to read and
// update challenge/authorization/order state. Each validation task
// runs its transitions through this handle off the request thread.
type Store interface {
	GetAuthorization(id string) (*core.Authorization, error)
	GetOrder(id string) (*core.Order, error)
	UpdateChallenge(ch *core.Challenge) error
	UpdateAuthorization(az *core.Authorization) error
	UpdateOrder(o *core.Order) error
}

// Config tunes the validator's HTTP client and retry budget, mirroring
// original_source/vism_acme/config.py's Http01 dataclass.
type Config struct {
	Port              int
	FollowRedirect    bool
	TimeoutSeconds    int
	Retries           int
	RetryDelaySeconds float64
}

// Validator drives HTTP-01 validation in the background.
type Validator struct {
	cfg    Config
	store  Store
	client *http.Client
	log    log.Logger
	stats  metrics.Scope
}

// New builds a Validator. A nil scope discards stats.
func New(cfg Config, store Store, logger log.Logger, scope metrics.Scope) *Validator {
	if logger == nil {
		logger = log.Nop
	}
	if scope == nil {
		scope = metrics.NewNoopScope()
	}
	client := &http.Client{
		Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
	}
	if !cfg.FollowRedirect {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return &Validator{
		cfg:    cfg,
		store:  store,
		client: client,
		log:    logger,
		stats:  scope.NewScope("http01"),
	}
}

// Dispatch starts validation of ch in a background goroutine and
// returns immediately, mirroring
// ValidationAuthorityImpl.UpdateValidations's `go va.validate(authz)`.
// The caller must have persisted ch's transition to processing first.
func (v *Validator) Dispatch(identifierValue string, ch *core.Challenge) {
	go v.validate(context.Background(), identifierValue, ch)
}

func (v *Validator) validate(ctx context.Context, identifierValue string, ch *core.Challenge) {
	token := strings.SplitN(ch.KeyAuthorization, ".", 2)[0]

	start := time.Now()
	body, prob := v.fetchWithRetry(ctx, identifierValue, token)
	v.stats.Observe("fetch_duration", time.Since(start).Seconds())
	if ctx.Err() != nil {
		v.fail(ch, probs.Connection("validation cancelled: %v", ctx.Err()))
		return
	}
	if prob != nil {
		v.fail(ch, prob)
		return
	}

	if subtle.ConstantTimeCompare([]byte(body), []byte(ch.KeyAuthorization)) != 1 {
		v.fail(ch, probs.IncorrectResponse("key authorization did not match"))
		return
	}

	ch.Status = core.ChallengeValid
	now := time.Now()
	ch.Validated = &now
	_ = v.store.UpdateChallenge(ch)
	v.stats.Inc("valid", 1)

	if az, err := v.store.GetAuthorization(ch.AuthorizationID); err == nil && az != nil {
		az.Status = core.AuthzValid
		_ = v.store.UpdateAuthorization(az)
	}
}

// fail records the error on the authorization and walks the invalid
// transition through challenge, authorization and order. Mutations are
// persisted individually and in order, so a poller observes the
// intermediate states.
func (v *Validator) fail(ch *core.Challenge, prob *probs.ProblemDetails) {
	v.stats.Inc("invalid", 1)
	ch.Status = core.ChallengeInvalid
	_ = v.store.UpdateChallenge(ch)

	az, err := v.store.GetAuthorization(ch.AuthorizationID)
	if err != nil || az == nil {
		return
	}
	az.Status = core.AuthzInvalid
	az.ErrorType = string(prob.Type)
	az.ErrorDetail = prob.Detail
	_ = v.store.UpdateAuthorization(az)

	if order, err := v.store.GetOrder(az.OrderID); err == nil && order != nil {
		order.Status = core.OrderInvalid
		_ = v.store.UpdateOrder(order)
	}
}

// fetchWithRetry GETs the well-known URL, retrying transient failures
// with an exponential backoff budget, mirroring http_01.py's
// urllib3.Retry configuration (total=retries, backoff_factor=delay,
// retrying on request-level errors and a 5xx/404/400 status set).
func (v *Validator) fetchWithRetry(ctx context.Context, identifierValue, token string) (string, *probs.ProblemDetails) {
	url := fmt.Sprintf("http://%s:%d/.well-known/acme-challenge/%s", identifierValue, v.cfg.Port, token)

	var body string
	var lastProb *probs.ProblemDetails

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			lastProb = probs.Connection("building request: %v", err)
			return backoff.Permanent(err)
		}
		resp, err := v.client.Do(req)
		if err != nil {
			lastProb = probs.Connection("fetching %s: %v", url, err)
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			lastProb = probs.IncorrectResponse("reading response body: %v", err)
			return err
		}

		if resp.StatusCode != http.StatusOK {
			lastProb = probs.IncorrectResponse("unexpected status %d from %s", resp.StatusCode, url)
			if isRetryableStatus(resp.StatusCode) {
				return lastProb
			}
			return backoff.Permanent(lastProb)
		}

		body = strings.TrimSpace(string(data))
		lastProb = nil
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(v.cfg.RetryDelaySeconds * float64(time.Second))
	boff := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxInt(v.cfg.Retries, 0))), ctx)

	if err := backoff.Retry(op, boff); err != nil && lastProb == nil {
		lastProb = probs.Connection("%v", err)
	}
	return body, lastProb
}

func isRetryableStatus(code int) bool {
	switch code {
	case 400, 404, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
