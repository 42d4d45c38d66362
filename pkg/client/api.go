package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/go-github/v66/github"
)

// The run listing returned a run for a different head commit than the
// one asked for. The caller cannot trust isolation by sha anymore and
// must stop acting on the batch.
var ErrIntegrityViolation = errors.New("workflow run listing integrity violation")

// List all pull_request triggered workflow runs for the given head
// commit. Every returned run must report exactly the requested head
// sha, anything else aborts with ErrIntegrityViolation before any run
// is returned.
// API endpoint: GET /repos/{owner}/{repo}/actions/runs?event=pull_request&head_sha={sha}
func (c *Client) ListRunsForHeadSHA(ctx context.Context, sha string) ([]WorkflowRun, error) {
	opts := &github.ListWorkflowRunsOptions{
		Event:   "pull_request",
		HeadSHA: sha,
		ListOptions: github.ListOptions{
			PerPage: 100,
		},
	}

	var runs []WorkflowRun
	for {
		page, resp, err := c.gh.Actions.ListRepositoryWorkflowRuns(ctx, c.owner, c.name, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to list workflow runs for '%s': %w", sha, err)
		}

		for _, run := range page.WorkflowRuns {
			if run.GetHeadSHA() != sha {
				return nil, fmt.Errorf("%w: run %d reports head commit '%s', requested '%s'",
					ErrIntegrityViolation, run.GetID(), run.GetHeadSHA(), sha)
			}
			runs = append(runs, WorkflowRun{
				ID:      run.GetID(),
				Name:    run.GetName(),
				Status:  run.GetStatus(),
				HeadSHA: run.GetHeadSHA(),
			})
		}

		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	return runs, nil
}

// Approve a workflow run that is waiting for approval.
// API endpoint: POST /repos/{owner}/{repo}/actions/runs/{run_id}/approve
func (c *Client) Approve(ctx context.Context, runID int64) error {
	_, err := c.gh.Actions.ApproveWorkflowRun(ctx, c.owner, c.name, runID)
	if err != nil {
		return fmt.Errorf("failed to approve workflow run %d: %w", runID, err)
	}
	return nil
}

// Cancel a workflow run.
// API endpoint: POST /repos/{owner}/{repo}/actions/runs/{run_id}/cancel
func (c *Client) Cancel(ctx context.Context, runID int64) error {
	_, err := c.gh.Actions.CancelWorkflowRunByID(ctx, c.owner, c.name, runID)
	// The cancel endpoint answers 202 Accepted, which the library
	// reports as AcceptedError.
	var accepted *github.AcceptedError
	if errors.As(err, &accepted) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to cancel workflow run %d: %w", runID, err)
	}
	return nil
}
