package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/torxed/github-autorun/pkg/client"
	"github.com/torxed/github-autorun/pkg/config"
	"github.com/torxed/github-autorun/pkg/gitdiff"
	"github.com/torxed/github-autorun/pkg/policy"
	"github.com/torxed/github-autorun/pkg/webhook"
)

const (
	// Bound for a whole diff resolution, clone plus fetch.
	defaultGitTimeout = 60 * time.Second
	// Bound for a single REST call against the Actions API.
	defaultAPITimeout = 15 * time.Second
)

// RunGateway is the slice of the GitHub client the pipeline acts
// through.
type RunGateway interface {
	ListRunsForHeadSHA(ctx context.Context, sha string) ([]client.WorkflowRun, error)
	Approve(ctx context.Context, runID int64) error
	Cancel(ctx context.Context, runID int64) error
}

// Outcome names the terminal state of one event's pipeline run.
type Outcome string

const (
	OutcomeIgnored            Outcome = "ignored"
	OutcomeApproved           Outcome = "approved"
	OutcomeNoop               Outcome = "noop"
	OutcomeSignatureInvalid   Outcome = "signature-invalid"
	OutcomeEventInvalid       Outcome = "event-invalid"
	OutcomeSourceUnavailable  Outcome = "source-unavailable"
	OutcomeProtectedPaths     Outcome = "protected-paths-changed"
	OutcomeIntegrityViolation Outcome = "integrity-violation"
	OutcomeGatingFailed       Outcome = "gating-failed"
)

// Decision is the result of one event's pipeline run and the unit
// logged and tested. It drives the HTTP status returned to GitHub.
type Decision struct {
	Outcome   Outcome
	Approved  []int64
	Cancelled []int64
}

func (d Decision) Accepted() bool {
	switch d.Outcome {
	case OutcomeIgnored, OutcomeApproved, OutcomeNoop:
		return true
	}
	return false
}

// The only externally observable signal. Diagnostic detail stays in
// the logs, GitHub only ever sees the status code.
func (d Decision) StatusCode() int {
	if d.Accepted() {
		return http.StatusAccepted
	}
	return http.StatusForbidden
}

// Pipeline runs the end-to-end gating policy for inbound webhook
// events: verify, classify, resolve the diff, evaluate the policy and
// gate the workflow runs. It holds no per-event state, one instance
// serves all concurrent handlers.
type Pipeline struct {
	repository string
	secret     string

	resolver gitdiff.Resolver
	gateway  RunGateway
	policy   *policy.Engine

	gitTimeout time.Duration
	apiTimeout time.Duration
}

func NewPipeline(cfg config.GithubConfig, resolver gitdiff.Resolver, gateway RunGateway, engine *policy.Engine) *Pipeline {
	if cfg.Secret == "" {
		slog.Warn("No webhook secret configured, accepting unsigned payloads")
	}
	if engine.Empty() {
		slog.Warn("Running without protected path patterns, no change will ever be considered protected")
	}

	return &Pipeline{
		repository: cfg.Repository,
		secret:     cfg.Secret,
		resolver:   resolver,
		gateway:    gateway,
		policy:     engine,
		gitTimeout: defaultGitTimeout,
		apiTimeout: defaultAPITimeout,
	}
}

// Process takes one raw webhook delivery through the whole state
// machine and returns the terminal decision. Every uncertainty
// resolves to rejection, the only path to approval is an explicit
// "nothing protected changed" verdict.
func (p *Pipeline) Process(ctx context.Context, eventType string, body []byte, signature string) Decision {
	if err := verifyWebhookSignature(body, p.secret, signature); err != nil {
		slog.Warn("Rejecting payload with invalid signature", slog.String("err", err.Error()))
		return Decision{Outcome: OutcomeSignatureInvalid}
	}

	action, event, err := webhook.Classify(eventType, body, p.repository)
	if err != nil {
		slog.Warn("Rejecting malformed pull request event", slog.String("err", err.Error()))
		return Decision{Outcome: OutcomeEventInvalid}
	}
	if action == webhook.Ignore {
		return Decision{Outcome: OutcomeIgnored}
	}

	logger := slog.With(
		slog.Int("pr", event.Number),
		slog.String("action", event.Action),
		slog.String("head", event.PullRequest.Head.SHA),
		slog.String("sender", event.Sender.Login),
	)

	changes, err := p.resolveDiff(ctx, event)
	if err != nil {
		logger.Warn("Failed to resolve pull request diff, rejecting", slog.String("err", err.Error()))
		return Decision{Outcome: OutcomeSourceUnavailable}
	}
	logger.Debug("Resolved pull request diff", slog.Int("changed-files", len(changes)))

	headSHA := event.PullRequest.Head.SHA
	if p.policy.IsProtected(changes) {
		decision := p.cancelRuns(ctx, logger, headSHA)
		logger.Warn("Pull request touches protected paths",
			slog.String("outcome", string(decision.Outcome)),
			slog.Any("cancelled", decision.Cancelled))
		return decision
	}

	decision := p.approveRuns(ctx, logger, headSHA)
	logger.Info("Gated pull request workflow runs",
		slog.String("outcome", string(decision.Outcome)),
		slog.Any("approved", decision.Approved))
	return decision
}

func (p *Pipeline) resolveDiff(ctx context.Context, event *webhook.PullRequestEvent) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.gitTimeout)
	defer cancel()

	base := event.PullRequest.Base
	head := event.PullRequest.Head
	return p.resolver.Resolve(ctx,
		gitdiff.Ref{URL: base.Repo.CloneURL, Name: base.Ref, SHA: base.SHA},
		gitdiff.Ref{URL: head.Repo.CloneURL, Name: head.Ref, SHA: head.SHA},
	)
}

func (p *Pipeline) listRuns(ctx context.Context, sha string) ([]client.WorkflowRun, error) {
	ctx, cancel := context.WithTimeout(ctx, p.apiTimeout)
	defer cancel()
	return p.gateway.ListRunsForHeadSHA(ctx, sha)
}

// Cancel every non-completed run for the head commit. Always a
// rejection, cancellation is damage control after a protected change.
func (p *Pipeline) cancelRuns(ctx context.Context, logger *slog.Logger, sha string) Decision {
	runs, err := p.listRuns(ctx, sha)
	if err != nil {
		if errors.Is(err, client.ErrIntegrityViolation) {
			logger.Error("Workflow run listing failed integrity check", slog.String("err", err.Error()))
			return Decision{Outcome: OutcomeIntegrityViolation}
		}
		logger.Error("Failed to list workflow runs for cancellation", slog.String("err", err.Error()))
		return Decision{Outcome: OutcomeProtectedPaths}
	}

	cancelled := make([]int64, 0, len(runs))
	for _, run := range runs {
		if run.Completed() {
			logger.Debug("Skipping completed run", slog.Int64("run", run.ID))
			continue
		}
		if err := p.callGateway(ctx, p.gateway.Cancel, run.ID); err != nil {
			logger.Warn("Failed to cancel workflow run", slog.Int64("run", run.ID), slog.String("err", err.Error()))
			continue
		}
		cancelled = append(cancelled, run.ID)
	}
	return Decision{Outcome: OutcomeProtectedPaths, Cancelled: cancelled}
}

// Approve every non-completed run for the head commit. Only reached
// after an explicit "not protected" verdict.
func (p *Pipeline) approveRuns(ctx context.Context, logger *slog.Logger, sha string) Decision {
	runs, err := p.listRuns(ctx, sha)
	if err != nil {
		if errors.Is(err, client.ErrIntegrityViolation) {
			logger.Error("Workflow run listing failed integrity check", slog.String("err", err.Error()))
			return Decision{Outcome: OutcomeIntegrityViolation}
		}
		logger.Error("Failed to list workflow runs for approval", slog.String("err", err.Error()))
		return Decision{Outcome: OutcomeGatingFailed}
	}

	approved := make([]int64, 0, len(runs))
	for _, run := range runs {
		if run.Completed() {
			logger.Debug("Skipping completed run", slog.Int64("run", run.ID))
			continue
		}
		if err := p.callGateway(ctx, p.gateway.Approve, run.ID); err != nil {
			// Approving an already-approved run fails, that must not
			// abort the rest of the batch.
			logger.Warn("Failed to approve workflow run", slog.Int64("run", run.ID), slog.String("err", err.Error()))
			continue
		}
		approved = append(approved, run.ID)
	}

	if len(approved) == 0 {
		return Decision{Outcome: OutcomeNoop}
	}
	return Decision{Outcome: OutcomeApproved, Approved: approved}
}

func (p *Pipeline) callGateway(ctx context.Context, call func(context.Context, int64) error, runID int64) error {
	ctx, cancel := context.WithTimeout(ctx, p.apiTimeout)
	defer cancel()
	return call(ctx, runID)
}

// Trim the signature header down to what the verifier expects.
func signatureFromHeader(header http.Header) string {
	return strings.TrimSpace(header.Get("X-Hub-Signature-256"))
}
