package webhook

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
)

// Action decides what the pipeline does with an inbound event.
type Action int

const (
	// Acknowledge the event with 202 and do nothing else.
	Ignore Action = iota
	// Run the full gating pipeline on the pull request.
	Evaluate
)

var (
	shaRegex     = regexp.MustCompile(`^[0-9a-f]{40}$`)
	refNameRegex = regexp.MustCompile(`^[A-Za-z0-9/@_-]+$`)
)

// The pull request actions that change the head commit and therefore
// need gating.
var actionableActions = map[string]bool{
	"opened":      true,
	"synchronize": true,
	"reopened":    true,
}

// Returns true for a well-formed lowercase 40-hex git object id.
func ValidSHA(sha string) bool {
	return shaRegex.MatchString(sha)
}

// Returns true for a branch name within the accepted ref-name grammar.
func ValidRefName(ref string) bool {
	return refNameRegex.MatchString(ref)
}

// Classify discriminates the known payload shapes and filters
// pull_request events down to actionable ones. Everything outside scope
// is Ignore, which the server answers with 202 so GitHub does not retry
// the delivery. A pull_request event that is actionable but malformed
// returns an error, which the server resolves fail-closed.
func Classify(eventType string, body []byte, repository string) (Action, *PullRequestEvent, error) {
	switch eventType {
	case "ping":
		var event PingEvent
		if err := json.Unmarshal(body, &event); err != nil {
			return Ignore, nil, nil
		}
		slog.Info("Webhook ping", slog.String("repository", event.Repository.FullName), slog.String("zen", event.Zen))
		return Ignore, nil, nil
	case "workflow_job":
		var event WorkflowJobEvent
		if err := json.Unmarshal(body, &event); err != nil {
			return Ignore, nil, nil
		}
		slog.Debug("Ignoring workflow job event",
			slog.String("action", event.Action),
			slog.Int64("run_id", event.WorkflowJob.RunID),
			slog.String("status", event.WorkflowJob.Status))
		return Ignore, nil, nil
	case "pull_request":
		// handled below
	default:
		slog.Debug("Ignoring unhandled event type", slog.String("event", eventType))
		return Ignore, nil, nil
	}

	var event PullRequestEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return Ignore, nil, fmt.Errorf("failed to unmarshal pull request event: %w", err)
	}

	if !actionableActions[event.Action] {
		slog.Debug("Ignoring pull request action", slog.String("action", event.Action), slog.Int("number", event.Number))
		return Ignore, nil, nil
	}

	// One configured repository per instance, events for anything else
	// are out of scope.
	if event.Repository.FullName != repository {
		slog.Warn("Ignoring pull request event for foreign repository",
			slog.String("repository", event.Repository.FullName),
			slog.String("configured", repository))
		return Ignore, nil, nil
	}

	if err := validateRef(event.PullRequest.Base); err != nil {
		return Ignore, nil, fmt.Errorf("invalid base: %w", err)
	}
	if err := validateRef(event.PullRequest.Head); err != nil {
		return Ignore, nil, fmt.Errorf("invalid head: %w", err)
	}

	return Evaluate, &event, nil
}

func validateRef(ref Ref) error {
	if !ValidSHA(ref.SHA) {
		return fmt.Errorf("'%s' is not a valid commit sha", ref.SHA)
	}
	if !ValidRefName(ref.Ref) {
		return fmt.Errorf("'%s' is not a valid ref name", ref.Ref)
	}
	if ref.Repo.CloneURL == "" {
		return fmt.Errorf("missing clone url for ref '%s'", ref.Ref)
	}
	return nil
}
