package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml"
)

const (
	DEFAULT_CONFIG_PATH          = "/etc/github-autorun/github-autorun.toml"
	DEFAULT_CONFIG_PATH_FALLBACK = "./github-autorun.toml"

	DEFAULT_LOG_LEVEL    = "info"
	DEFAULT_BIND_ADDRESS = "127.0.0.1"
	DEFAULT_BIND_PORT    = 1337

	DEFAULT_API_URL = "https://api.github.com"
)

// The canonical protected path, CI workflow definitions.
var DefaultProtectedPaths = []string{`\.github/workflows/`}

var (
	// Fine-grained access tokens are 93 characters, "github_" plus 86.
	accessTokenRegex = regexp.MustCompile(`^github_[A-Za-z0-9_]{86}$`)
	repositoryRegex  = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)
)

var logLevel *slog.LevelVar

// Initialize the logger
func init() {
	logLevel = &slog.LevelVar{}
	opts := slog.HandlerOptions{
		Level: logLevel,
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &opts))
	slog.SetDefault(logger)
}

type Config struct {
	Github GithubConfig `toml:"github"`
	API    APIConfig    `toml:"api"`
	Policy PolicyConfig `toml:"policy"`
}

type GithubConfig struct {
	AccessToken string `toml:"access_token"`
	Repository  string `toml:"repository"`
	Secret      string `toml:"secret"`
	API         string `toml:"api"`

	// GitHub App credentials, used instead of access_token when set.
	ClientID       string `toml:"client_id"`
	PrivateKey     string `toml:"private_key"`
	InstallationID int64  `toml:"installation_id"`
}

type APIConfig struct {
	Address   string `toml:"address"`
	Port      int    `toml:"port"`
	Fullchain string `toml:"fullchain"`
	Privkey   string `toml:"privkey"`
	LogLevel  string `toml:"log_level"`
}

type PolicyConfig struct {
	ProtectedPaths []string `toml:"protected_paths"`
}

// Returns true when the GitHub App credentials are configured.
func (c GithubConfig) UseAppAuth() bool {
	return c.ClientID != "" && c.PrivateKey != "" && c.InstallationID != 0
}

// Returns true when the server should serve TLS.
func (c APIConfig) SSL() bool {
	return c.Fullchain != "" || c.Privkey != ""
}

// Returns a Config with default values set
func DefaultConfig() Config {
	return Config{
		Github: GithubConfig{
			API: DEFAULT_API_URL,
		},
		API: APIConfig{
			Address:  DEFAULT_BIND_ADDRESS,
			Port:     DEFAULT_BIND_PORT,
			LogLevel: DEFAULT_LOG_LEVEL,
		},
		Policy: PolicyConfig{
			ProtectedPaths: DefaultProtectedPaths,
		},
	}
}

// Loads config from file, returns error if config is invalid
// Arguments:
//
//	path: Path to config file, if empty will try DEFAULT_CONFIG_PATH and then DEFAULT_CONFIG_PATH_FALLBACK
//	env: Determines if enviroment variables in the file will be expanded before decoding
//	logLevelOverride: Override the log level given by the config
func LoadConfig(path string, env bool, logLevelOverride string) (Config, error) {
	c, err := loadConfigFile(path, env)
	if err != nil {
		return Config{}, fmt.Errorf("failed to load configuration file: %w", err)
	}

	c.applyEnvFallbacks()

	if logLevelOverride != "" {
		c.API.LogLevel = logLevelOverride
	}
	err = setLogLevel(c.API.LogLevel)
	if err != nil {
		return Config{}, fmt.Errorf("failed to set log level to '%s': %w", c.API.LogLevel, err)
	}

	err = c.Validate()
	if err != nil {
		return Config{}, err
	}

	return c, nil
}

// Check the loaded values against the startup constraints. The service
// must refuse to bind rather than run half-configured.
func (c *Config) Validate() error {
	if !repositoryRegex.MatchString(c.Github.Repository) {
		return fmt.Errorf("repository must be of the form 'owner/name', got '%s'", c.Github.Repository)
	}

	switch {
	case c.Github.UseAppAuth():
		f, err := os.OpenFile(c.Github.PrivateKey, os.O_RDONLY, 0600)
		if err != nil {
			return fmt.Errorf("can't open Github App private key '%s': %w", c.Github.PrivateKey, err)
		}
		_ = f.Close()
	case c.Github.AccessToken != "":
		if !accessTokenRegex.MatchString(c.Github.AccessToken) {
			return fmt.Errorf("github access token must be 93 characters starting with 'github_'")
		}
	default:
		return fmt.Errorf("either an access token or complete Github App credentials must be configured")
	}

	if c.API.SSL() {
		if c.API.Fullchain == "" || c.API.Privkey == "" {
			return fmt.Errorf("incomplete TLS configuration: fullchain and privkey must both be set")
		}
		for _, p := range []string{c.API.Fullchain, c.API.Privkey} {
			f, err := os.OpenFile(p, os.O_RDONLY, 0600)
			if err != nil {
				return fmt.Errorf("can't open TLS material '%s': %w", p, err)
			}
			_ = f.Close()
		}
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.API.Port)
	}

	return nil
}

func loadConfigFile(path string, env bool) (Config, error) {
	c := DefaultConfig()

	p := path
	if p == "" {
		p = DEFAULT_CONFIG_PATH
		if _, err := os.Stat(p); os.IsNotExist(err) {
			p = DEFAULT_CONFIG_PATH_FALLBACK
		}
	}

	// #nosec G304 -- Local users can decide on their file path themselves.
	f, err := os.ReadFile(p)
	if path == "" && os.IsNotExist(err) {
		slog.Info("No config file found, falling back to default values and environment variables.", slog.String("default-path", p))
		return c, nil
	} else if err != nil {
		return Config{}, fmt.Errorf("failed to read config file '%s': %w", p, err)
	}

	if env {
		f = []byte(os.ExpandEnv(string(f)))
	}

	err = toml.Unmarshal(f, &c)
	if err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config file '%s': %w", p, err)
	}

	return c, nil
}

// Fill empty fields from the environment, matching the variables the
// original deployment used.
func (c *Config) applyEnvFallbacks() {
	envString(&c.Github.AccessToken, "GITHUB_API_TOKEN")
	envString(&c.Github.Repository, "GITHUB_REPO")
	envString(&c.Github.Secret, "GITHUB_SECRET")
	envString(&c.API.Fullchain, "API_TLS_CERT")
	envString(&c.API.Privkey, "API_TLS_KEY")

	// The address and log level always carry a default, so only an
	// untouched config value yields to the environment.
	if v := os.Getenv("API_BIND_ADDR"); v != "" && c.API.Address == DEFAULT_BIND_ADDRESS {
		c.API.Address = v
	}
	if v := os.Getenv("API_LOG_LEVEL"); v != "" && c.API.LogLevel == DEFAULT_LOG_LEVEL {
		c.API.LogLevel = v
	}
	if v := os.Getenv("API_BIND_PORT"); v != "" && c.API.Port == DEFAULT_BIND_PORT {
		if port, err := strconv.Atoi(v); err == nil {
			c.API.Port = port
		} else {
			slog.Warn("Ignoring invalid API_BIND_PORT", slog.String("value", v))
		}
	}
}

func envString(target *string, key string) {
	if *target != "" {
		return
	}
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// Parse a given string and set the resulting log level
func setLogLevel(level string) error {
	switch strings.ToLower(level) {
	case "debug":
		logLevel.Set(slog.LevelDebug)
	case "info":
		logLevel.Set(slog.LevelInfo)
	case "warn":
		logLevel.Set(slog.LevelWarn)
	case "error":
		logLevel.Set(slog.LevelError)
	default:
		return fmt.Errorf("invalid log level '%s'", level)
	}
	return nil
}
