package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v66/github"
	"github.com/torxed/github-autorun/pkg/config"
)

// Client talks to the GitHub REST API for the one configured
// repository.
type Client struct {
	gh *github.Client

	owner      string
	name       string
	repository string
}

// Create and initialize a new Client
func NewClient(cfg config.GithubConfig) (*Client, error) {
	owner, name, ok := strings.Cut(cfg.Repository, "/")
	if !ok {
		return nil, fmt.Errorf("repository must be of the form 'owner/name', got '%s'", cfg.Repository)
	}

	var gh *github.Client
	if cfg.UseAppAuth() {
		httpClient := &http.Client{
			Transport: &appTransport{
				source: newAppTokenSource(cfg),
				base:   http.DefaultTransport,
			},
		}
		gh = github.NewClient(httpClient)
	} else {
		gh = github.NewClient(nil).WithAuthToken(cfg.AccessToken)
	}

	if cfg.API != "" && cfg.API != config.DEFAULT_API_URL {
		base, err := url.Parse(strings.TrimSuffix(cfg.API, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid api url '%s': %w", cfg.API, err)
		}
		gh.BaseURL = base
	}

	return &Client{
		gh:         gh,
		owner:      owner,
		name:       name,
		repository: cfg.Repository,
	}, nil
}

// Check on startup that the credentials grant access to the configured
// repository and that the API resolves it to the same identity. The
// server must not accept traffic before this passes.
// API endpoint: GET /repos/{owner}/{repo}
func (c *Client) ValidateRepository(ctx context.Context) error {
	repo, _, err := c.gh.Repositories.Get(ctx, c.owner, c.name)
	if err != nil {
		return fmt.Errorf("could not fetch configured repository '%s': %w", c.repository, err)
	}
	if repo.GetFullName() != c.repository {
		return fmt.Errorf("configured repository '%s' resolved to '%s'", c.repository, repo.GetFullName())
	}
	return nil
}

// The full name of the configured repository.
func (c *Client) Repository() string {
	return c.repository
}
