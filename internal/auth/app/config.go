package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/havenchat/haven-auth/internal/auth/service"
	"github.com/havenchat/haven-auth/pkg/jwtx"
)

type Config struct {
	Issuer string // issuer claim for access tokens

	Algorithm      string // JWT signing algorithm (EdDSA, HS256) (default: EdDSA)
	SigningKeyFile string // path to a PKCS8 Ed25519 PEM; empty = ephemeral key
	HS256Secret    string // shared secret, required when Algorithm=HS256

	AccessTTL  time.Duration // access token lifetime (default: 15m)
	RefreshTTL time.Duration // refresh token lifetime (default: 168h)

	DatabaseFile string // path to the SQLite database file (default: ./auth.db)
	DatabaseURL  string // postgres URL; when set, postgres is used instead of SQLite
	PepperFile   string // path to the password pepper file (default: ./pepper)

	RedisAddr     string // host:port of the shared Redis (default: localhost:6379)
	RedisPassword string
	RedisDB       int

	HashWorkers int // max concurrent argon2 computations (default: GOMAXPROCS)

	ArgonMemoryKB    int // argon2id memory cost in KiB (0 = package default)
	ArgonIterations  int
	ArgonParallelism int

	EscalationThreshold int           // failed logins per IP before blocking (default: 10)
	EscalationWindow    time.Duration // failure counter decay (default: 1h)
	BlockDuration       time.Duration // block cooldown (default: 1h)
	ResetOnSuccess      bool          // successful login clears the failure counter (default: false)

	OIDCProviders map[string]service.OIDCProvider

	SentryDSN string // optional: enables error reporting when set

	Env                  string        // dev, staging, prod (default: dev)
	LogLevel             string        // debug, info, warn, error (default: info)
	LogFormat            string        // json, text (default: json)
	Port                 int           // HTTP server port (default: 8080)
	ShutdownGracePeriod  time.Duration // graceful shutdown timeout (default: 10s)
	HousekeepingInterval time.Duration // expired-session sweep interval (default: 1h)
}

func LoadConfig() Config {
	// Local development convenience; absence of a .env file is fine.
	_ = godotenv.Load()

	cfg := Config{
		Issuer:         getEnvOrDefault("AUTH_ISSUER", "haven-auth"),
		Algorithm:      getEnvOrDefault("AUTH_ALGORITHM", "EdDSA"),
		SigningKeyFile: os.Getenv("AUTH_SIGNING_KEY_FILE"),
		HS256Secret:    os.Getenv("AUTH_HS256_SECRET"),

		AccessTTL:  getEnvDurationOrDefault("AUTH_ACCESS_TTL", jwtx.DefaultAccessTokenTTL),
		RefreshTTL: getEnvDurationOrDefault("AUTH_REFRESH_TTL", jwtx.DefaultRefreshTokenTTL),

		DatabaseFile: getEnvOrDefault("AUTH_DATABASE_FILE", "auth.db"),
		DatabaseURL:  os.Getenv("AUTH_DATABASE_URL"),
		PepperFile:   getEnvOrDefault("AUTH_PEPPER_FILE", "pepper"),

		RedisAddr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getEnvIntOrDefault("REDIS_DB", 0),

		HashWorkers: getEnvIntOrDefault("AUTH_HASH_WORKERS", 0),

		ArgonMemoryKB:    getEnvIntOrDefault("AUTH_ARGON_MEMORY_KB", 0),
		ArgonIterations:  getEnvIntOrDefault("AUTH_ARGON_ITERATIONS", 0),
		ArgonParallelism: getEnvIntOrDefault("AUTH_ARGON_PARALLELISM", 0),

		EscalationThreshold: getEnvIntOrDefault("AUTH_FAILURE_THRESHOLD", 10),
		EscalationWindow:    getEnvDurationOrDefault("AUTH_FAILURE_WINDOW", time.Hour),
		BlockDuration:       getEnvDurationOrDefault("AUTH_BLOCK_DURATION", time.Hour),
		ResetOnSuccess:      getEnvBoolOrDefault("AUTH_RESET_ON_SUCCESS", false),

		SentryDSN: os.Getenv("SENTRY_DSN"),

		Env:                  getEnvOrDefault("ENV", "dev"),
		LogLevel:             getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:            getEnvOrDefault("LOG_FORMAT", "json"),
		Port:                 getEnvIntOrDefault("PORT", 8080),
		ShutdownGracePeriod:  getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", 10*time.Second),
		HousekeepingInterval: getEnvDurationOrDefault("HOUSEKEEPING_INTERVAL", time.Hour),
	}

	cfg.OIDCProviders = loadOIDCProviders()

	return cfg
}

// loadOIDCProviders reads the provider registry from the environment.
// AUTH_OIDC_PROVIDERS lists names; each name N then has
// AUTH_OIDC_<N>_AUTH_URL, _TOKEN_URL, _USERINFO_URL, _CLIENT_ID,
// _CLIENT_SECRET, _REDIRECT_URI and optional _SCOPES (space separated).
func loadOIDCProviders() map[string]service.OIDCProvider {
	names := strings.TrimSpace(os.Getenv("AUTH_OIDC_PROVIDERS"))
	if names == "" {
		return nil
	}

	providers := make(map[string]service.OIDCProvider)
	for _, name := range strings.Split(names, ",") {
		name = strings.TrimSpace(strings.ToLower(name))
		if name == "" {
			continue
		}
		prefix := "AUTH_OIDC_" + strings.ToUpper(name) + "_"

		p := service.OIDCProvider{
			Name:         name,
			AuthorizeURL: os.Getenv(prefix + "AUTH_URL"),
			TokenURL:     os.Getenv(prefix + "TOKEN_URL"),
			UserinfoURL:  os.Getenv(prefix + "USERINFO_URL"),
			ClientID:     os.Getenv(prefix + "CLIENT_ID"),
			ClientSecret: os.Getenv(prefix + "CLIENT_SECRET"),
			RedirectURI:  os.Getenv(prefix + "REDIRECT_URI"),
			Scopes:       []string{"openid", "email", "profile"},
		}
		if scopes := os.Getenv(prefix + "SCOPES"); scopes != "" {
			p.Scopes = strings.Fields(scopes)
		}

		providers[name] = p
	}
	return providers
}

// ValidateOIDCProviders rejects a half-configured provider at startup
// instead of letting it fail on the first callback.
func (c Config) ValidateOIDCProviders() error {
	for name, p := range c.OIDCProviders {
		for field, val := range map[string]string{
			"AUTH_URL":     p.AuthorizeURL,
			"TOKEN_URL":    p.TokenURL,
			"USERINFO_URL": p.UserinfoURL,
			"CLIENT_ID":    p.ClientID,
			"REDIRECT_URI": p.RedirectURI,
		} {
			if val == "" {
				return fmt.Errorf("oidc provider %q: AUTH_OIDC_%s_%s is not set",
					name, strings.ToUpper(name), field)
			}
		}
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Integer minutes for backwards compatibility
	if minutes, err := strconv.Atoi(value); err == nil {
		return time.Duration(minutes) * time.Minute
	}
	return defaultValue
}
