package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v66/github"
	"github.com/torxed/github-autorun/pkg/config"
)

// Mints GitHub App installation access tokens and caches them until
// shortly before expiry. Used instead of a personal access token when
// the App credentials are configured.
type appTokenSource struct {
	cfg config.GithubConfig

	mutex   sync.Mutex
	token   string
	expires time.Time
}

func newAppTokenSource(cfg config.GithubConfig) *appTokenSource {
	return &appTokenSource{cfg: cfg}
}

// Get a new JWT for authentication
func (s *appTokenSource) createJWT() (string, error) {
	f, err := os.ReadFile(s.cfg.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to read private key file '%s': %w", s.cfg.PrivateKey, err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(f)
	if err != nil {
		return "", fmt.Errorf("failed to parse private key from PEM: %w", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		// Use time of 30s earlier to avoid clock skew issues
		"iat": jwt.NewNumericDate(time.Now().Add(time.Second * -30)),
		// We don't re-use the JWT, so it should expire relatively soon
		"exp": jwt.NewNumericDate(time.Now().Add(time.Minute * 5)),
		"iss": s.cfg.ClientID,
		"alg": "RS256",
	})
	return token.SignedString(key)
}

// Token returns a valid installation access token, minting a new one
// when the cached token is missing or about to expire.
// API endpoint: POST /app/installations/{installation_id}/access_tokens
func (s *appTokenSource) Token(ctx context.Context) (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.token != "" && time.Until(s.expires) > 2*time.Minute {
		return s.token, nil
	}

	jwtToken, err := s.createJWT()
	if err != nil {
		return "", fmt.Errorf("failed to create JWT: %w", err)
	}

	gh := github.NewClient(nil).WithAuthToken(jwtToken)
	if s.cfg.API != "" && s.cfg.API != config.DEFAULT_API_URL {
		base, err := url.Parse(strings.TrimSuffix(s.cfg.API, "/") + "/")
		if err != nil {
			return "", fmt.Errorf("invalid api url '%s': %w", s.cfg.API, err)
		}
		gh.BaseURL = base
	}

	token, _, err := gh.Apps.CreateInstallationToken(ctx, s.cfg.InstallationID, nil)
	if err != nil {
		return "", fmt.Errorf("failed to get installation access token: %w", err)
	}

	s.token = token.GetToken()
	s.expires = token.GetExpiresAt().Time
	return s.token, nil
}

// Injects the current installation token into every outgoing request.
type appTransport struct {
	source *appTokenSource
	base   http.RoundTripper
}

func (t *appTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.source.Token(req.Context())
	if err != nil {
		return nil, err
	}

	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+token)
	return t.base.RoundTrip(clone)
}
