package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "127.0.0.1:8080"
	defaultShutdownTimeout = 5 * time.Second
	defaultLogFormat       = LogFormatText
	defaultLogLevel        = slog.LevelInfo
	defaultAppEnv          = AppEnvDevelopment
	defaultStoreDriver     = StoreDriverMemory
	defaultMaxOpenConns    = 5
	defaultModelMode       = ModelModeMock
	defaultProviderBaseURL = "https://api.openai.com/v1"
	defaultProviderTimeout = 30 * time.Second
	defaultEmbedderKind    = EmbedderHash
	defaultGenAIModel      = "gemini-embedding-001"
	defaultDimensions      = 768
	defaultLeaseWait       = 0
	defaultMaxSteps        = 12
	defaultUpstreamTimeout = 60 * time.Second
	defaultRetryAttempts   = 2
	defaultRetryBackoff    = 250 * time.Millisecond

	portfolioOrigin = "https://portfolio-phi-mocha-72.vercel.app"
	localOrigin     = "http://localhost:3000"
)

// EnvConfigPath names the environment variable holding the YAML config path.
const EnvConfigPath = "AGENTGRAPH_CONFIG"

type AppEnv string

const (
	AppEnvDevelopment AppEnv = "development"
	AppEnvProd        AppEnv = "prod"
)

type StoreDriver string

const (
	StoreDriverMemory   StoreDriver = "memory"
	StoreDriverSQLite   StoreDriver = "sqlite"
	StoreDriverPostgres StoreDriver = "postgres"
)

type ModelMode string

const (
	ModelModeMock     ModelMode = "mock"
	ModelModeProvider ModelMode = "provider"
)

type EmbedderKind string

const (
	EmbedderHash  EmbedderKind = "hash"
	EmbedderGenAI EmbedderKind = "genai"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Config controls runtime construction, HTTP boot and shutdown behavior.
type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration
	LogFormat       LogFormat
	LogLevel        slog.Level
	AppEnv          AppEnv
	CORSOrigins     []string

	StoreDriver  StoreDriver
	StoreDSN     string
	MaxOpenConns int

	ModelMode       ModelMode
	ProviderAPIKey  string
	ProviderModel   string
	ProviderBaseURL string
	ProviderTimeout time.Duration

	Embedder           EmbedderKind
	EmbedderAPIKey     string
	EmbedderModel      string
	EmbedderDimensions int
	// CorpusPath, when set, is ingested into the passage index on boot.
	CorpusPath string

	Profile Profile

	LeaseWait       time.Duration
	MaxStepsPerTurn int
	UpstreamTimeout time.Duration
	RetryAttempts   int
	RetryBackoff    time.Duration
}

// Profile describes whose portfolio the assistant manages.
type Profile struct {
	Owner    string
	Bot      string
	Born     time.Time
	Location string
	Projects []string
}

// Load layers defaults, the optional YAML file at path (or $AGENTGRAPH_CONFIG),
// and AGENTGRAPH_* environment variables, then validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) == "" {
		path = strings.TrimSpace(os.Getenv(EnvConfigPath))
	}
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = defaultOrigins(cfg.AppEnv)
	}
	if cfg.ProviderModel == "" {
		cfg.ProviderModel = defaultProviderModel(cfg.AppEnv)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Default() Config {
	return Config{
		HTTPAddr:           defaultHTTPAddr,
		ShutdownTimeout:    defaultShutdownTimeout,
		LogFormat:          defaultLogFormat,
		LogLevel:           defaultLogLevel,
		AppEnv:             defaultAppEnv,
		StoreDriver:        defaultStoreDriver,
		MaxOpenConns:       defaultMaxOpenConns,
		ModelMode:          defaultModelMode,
		ProviderBaseURL:    defaultProviderBaseURL,
		ProviderTimeout:    defaultProviderTimeout,
		Embedder:           defaultEmbedderKind,
		EmbedderModel:      defaultGenAIModel,
		EmbedderDimensions: defaultDimensions,
		Profile: Profile{
			Owner:    "Ethan",
			Bot:      "Ethanbot",
			Born:     time.Date(2005, 11, 23, 0, 0, 0, 0, time.UTC),
			Location: "Singapore",
			Projects: []string{"MaibelAI App", "workAdvisor"},
		},
		LeaseWait:       defaultLeaseWait,
		MaxStepsPerTurn: defaultMaxSteps,
		UpstreamTimeout: defaultUpstreamTimeout,
		RetryAttempts:   defaultRetryAttempts,
		RetryBackoff:    defaultRetryBackoff,
	}
}

func defaultOrigins(env AppEnv) []string {
	if env == AppEnvProd {
		return []string{portfolioOrigin}
	}
	return []string{portfolioOrigin, localOrigin}
}

func defaultProviderModel(env AppEnv) string {
	if env == AppEnvProd {
		return "gpt-4o"
	}
	return "gpt-4o-mini"
}

func (c Config) Validate() error {
	switch c.AppEnv {
	case AppEnvDevelopment, AppEnvProd:
	default:
		return fmt.Errorf(
			"validate config: unsupported AGENTGRAPH_APP_ENV %q (allowed: %q, %q)",
			c.AppEnv,
			AppEnvDevelopment,
			AppEnvProd,
		)
	}

	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("validate config: AGENTGRAPH_HTTP_ADDR is required")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("validate config: AGENTGRAPH_SHUTDOWN_TIMEOUT must be > 0")
	}

	switch c.StoreDriver {
	case StoreDriverMemory:
	case StoreDriverSQLite, StoreDriverPostgres:
		if strings.TrimSpace(c.StoreDSN) == "" {
			return fmt.Errorf("validate config: %s store requires AGENTGRAPH_STORE_DSN", c.StoreDriver)
		}
		if c.MaxOpenConns <= 0 {
			return errors.New("validate config: AGENTGRAPH_STORE_MAX_OPEN_CONNS must be > 0")
		}
	default:
		return fmt.Errorf(
			"validate config: unsupported AGENTGRAPH_STORE_DRIVER %q (allowed: %q, %q, %q)",
			c.StoreDriver,
			StoreDriverMemory,
			StoreDriverSQLite,
			StoreDriverPostgres,
		)
	}

	switch c.ModelMode {
	case ModelModeMock:
	case ModelModeProvider:
		if strings.TrimSpace(c.ProviderAPIKey) == "" {
			return errors.New("validate config: provider mode requires AGENTGRAPH_PROVIDER_API_KEY")
		}
		if strings.TrimSpace(c.ProviderModel) == "" {
			return errors.New("validate config: provider mode requires AGENTGRAPH_PROVIDER_MODEL")
		}
		if strings.TrimSpace(c.ProviderBaseURL) == "" {
			return errors.New("validate config: provider mode requires AGENTGRAPH_PROVIDER_BASE_URL")
		}
		if c.ProviderTimeout <= 0 {
			return errors.New("validate config: provider mode requires AGENTGRAPH_PROVIDER_TIMEOUT > 0")
		}
	default:
		return fmt.Errorf(
			"validate config: unsupported AGENTGRAPH_MODEL_MODE %q (allowed: %q, %q)",
			c.ModelMode,
			ModelModeMock,
			ModelModeProvider,
		)
	}

	switch c.Embedder {
	case EmbedderHash:
	case EmbedderGenAI:
		if strings.TrimSpace(c.EmbedderAPIKey) == "" {
			return errors.New("validate config: genai embedder requires AGENTGRAPH_EMBEDDER_API_KEY")
		}
	default:
		return fmt.Errorf(
			"validate config: unsupported AGENTGRAPH_EMBEDDER %q (allowed: %q, %q)",
			c.Embedder,
			EmbedderHash,
			EmbedderGenAI,
		)
	}
	if c.EmbedderDimensions <= 0 {
		return errors.New("validate config: AGENTGRAPH_EMBEDDER_DIMENSIONS must be > 0")
	}

	if strings.TrimSpace(c.Profile.Owner) == "" || strings.TrimSpace(c.Profile.Bot) == "" {
		return errors.New("validate config: profile owner and bot are required")
	}
	if c.MaxStepsPerTurn <= 0 {
		return errors.New("validate config: AGENTGRAPH_MAX_STEPS must be > 0")
	}
	if c.RetryAttempts <= 0 {
		return errors.New("validate config: AGENTGRAPH_RETRY_ATTEMPTS must be > 0")
	}
	if c.RetryBackoff < 0 {
		return errors.New("validate config: AGENTGRAPH_RETRY_BACKOFF must be >= 0")
	}

	switch c.LogLevel {
	case slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError:
	default:
		return fmt.Errorf(
			"validate config: unsupported AGENTGRAPH_LOG_LEVEL %q (allowed: %q, %q, %q, %q)",
			c.LogLevel.String(),
			slog.LevelDebug.String(),
			slog.LevelInfo.String(),
			slog.LevelWarn.String(),
			slog.LevelError.String(),
		)
	}

	switch c.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf(
			"validate config: unsupported AGENTGRAPH_LOG_FORMAT %q (allowed: %q, %q)",
			c.LogFormat,
			LogFormatText,
			LogFormatJSON,
		)
	}

	return nil
}

// fileConfig mirrors Config in YAML. Zero values leave defaults untouched.
type fileConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogFormat       string        `yaml:"log_format"`
	LogLevel        string        `yaml:"log_level"`
	AppEnv          string        `yaml:"app_env"`
	CORSOrigins     []string      `yaml:"cors_origins"`

	Store struct {
		Driver       string `yaml:"driver"`
		DSN          string `yaml:"dsn"`
		MaxOpenConns int    `yaml:"max_open_conns"`
	} `yaml:"store"`

	Model struct {
		Mode    string        `yaml:"mode"`
		APIKey  string        `yaml:"api_key"`
		Name    string        `yaml:"name"`
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"model"`

	Embedder struct {
		Kind       string `yaml:"kind"`
		APIKey     string `yaml:"api_key"`
		Model      string `yaml:"model"`
		Dimensions int    `yaml:"dimensions"`
		Corpus     string `yaml:"corpus"`
	} `yaml:"embedder"`

	Profile struct {
		Owner    string   `yaml:"owner"`
		Bot      string   `yaml:"bot"`
		Born     string   `yaml:"born"`
		Location string   `yaml:"location"`
		Projects []string `yaml:"projects"`
	} `yaml:"profile"`

	Engine struct {
		LeaseWait       time.Duration `yaml:"lease_wait"`
		MaxStepsPerTurn int           `yaml:"max_steps_per_turn"`
		UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
		RetryAttempts   int           `yaml:"retry_attempts"`
		RetryBackoff    time.Duration `yaml:"retry_backoff"`
	} `yaml:"engine"`
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var file fileConfig
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&c.HTTPAddr, file.HTTPAddr)
	setDuration(&c.ShutdownTimeout, file.ShutdownTimeout)
	if file.LogFormat != "" {
		parsed, err := parseLogFormat(file.LogFormat)
		if err != nil {
			return err
		}
		c.LogFormat = parsed
	}
	if file.LogLevel != "" {
		parsed, err := parseLogLevel(file.LogLevel)
		if err != nil {
			return err
		}
		c.LogLevel = parsed
	}
	if file.AppEnv != "" {
		c.AppEnv = AppEnv(strings.TrimSpace(file.AppEnv))
	}
	if len(file.CORSOrigins) > 0 {
		c.CORSOrigins = file.CORSOrigins
	}

	if file.Store.Driver != "" {
		c.StoreDriver = StoreDriver(strings.TrimSpace(file.Store.Driver))
	}
	setString(&c.StoreDSN, file.Store.DSN)
	setInt(&c.MaxOpenConns, file.Store.MaxOpenConns)

	if file.Model.Mode != "" {
		c.ModelMode = ModelMode(strings.TrimSpace(file.Model.Mode))
	}
	setString(&c.ProviderAPIKey, file.Model.APIKey)
	setString(&c.ProviderModel, file.Model.Name)
	setString(&c.ProviderBaseURL, file.Model.BaseURL)
	setDuration(&c.ProviderTimeout, file.Model.Timeout)

	if file.Embedder.Kind != "" {
		c.Embedder = EmbedderKind(strings.TrimSpace(file.Embedder.Kind))
	}
	setString(&c.EmbedderAPIKey, file.Embedder.APIKey)
	setString(&c.EmbedderModel, file.Embedder.Model)
	setInt(&c.EmbedderDimensions, file.Embedder.Dimensions)
	setString(&c.CorpusPath, file.Embedder.Corpus)

	setString(&c.Profile.Owner, file.Profile.Owner)
	setString(&c.Profile.Bot, file.Profile.Bot)
	setString(&c.Profile.Location, file.Profile.Location)
	if file.Profile.Born != "" {
		born, err := parseBorn(file.Profile.Born)
		if err != nil {
			return err
		}
		c.Profile.Born = born
	}
	if len(file.Profile.Projects) > 0 {
		c.Profile.Projects = file.Profile.Projects
	}

	setDuration(&c.LeaseWait, file.Engine.LeaseWait)
	setInt(&c.MaxStepsPerTurn, file.Engine.MaxStepsPerTurn)
	setDuration(&c.UpstreamTimeout, file.Engine.UpstreamTimeout)
	setInt(&c.RetryAttempts, file.Engine.RetryAttempts)
	setDuration(&c.RetryBackoff, file.Engine.RetryBackoff)
	return nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	env := func(name string) string {
		value, _ := lookup(name)
		return strings.TrimSpace(value)
	}

	setString(&c.HTTPAddr, env("AGENTGRAPH_HTTP_ADDR"))
	if err := envDuration(env, "AGENTGRAPH_SHUTDOWN_TIMEOUT", &c.ShutdownTimeout); err != nil {
		return err
	}
	if level := env("AGENTGRAPH_LOG_LEVEL"); level != "" {
		parsed, err := parseLogLevel(level)
		if err != nil {
			return err
		}
		c.LogLevel = parsed
	}
	if format := env("AGENTGRAPH_LOG_FORMAT"); format != "" {
		parsed, err := parseLogFormat(format)
		if err != nil {
			return err
		}
		c.LogFormat = parsed
	}
	if appEnv := env("AGENTGRAPH_APP_ENV"); appEnv != "" {
		c.AppEnv = AppEnv(appEnv)
	}
	if origins := env("AGENTGRAPH_CORS_ORIGINS"); origins != "" {
		c.CORSOrigins = splitList(origins)
	}

	if driver := env("AGENTGRAPH_STORE_DRIVER"); driver != "" {
		c.StoreDriver = StoreDriver(driver)
	}
	setString(&c.StoreDSN, env("AGENTGRAPH_STORE_DSN"))
	if err := envInt(env, "AGENTGRAPH_STORE_MAX_OPEN_CONNS", &c.MaxOpenConns); err != nil {
		return err
	}

	if mode := env("AGENTGRAPH_MODEL_MODE"); mode != "" {
		c.ModelMode = ModelMode(mode)
	}
	setString(&c.ProviderAPIKey, env("AGENTGRAPH_PROVIDER_API_KEY"))
	setString(&c.ProviderModel, env("AGENTGRAPH_PROVIDER_MODEL"))
	setString(&c.ProviderBaseURL, env("AGENTGRAPH_PROVIDER_BASE_URL"))
	if err := envDuration(env, "AGENTGRAPH_PROVIDER_TIMEOUT", &c.ProviderTimeout); err != nil {
		return err
	}

	if kind := env("AGENTGRAPH_EMBEDDER"); kind != "" {
		c.Embedder = EmbedderKind(kind)
	}
	setString(&c.EmbedderAPIKey, env("AGENTGRAPH_EMBEDDER_API_KEY"))
	setString(&c.EmbedderModel, env("AGENTGRAPH_EMBEDDER_MODEL"))
	if err := envInt(env, "AGENTGRAPH_EMBEDDER_DIMENSIONS", &c.EmbedderDimensions); err != nil {
		return err
	}
	setString(&c.CorpusPath, env("AGENTGRAPH_CORPUS"))

	setString(&c.Profile.Owner, env("AGENTGRAPH_PROFILE_OWNER"))
	setString(&c.Profile.Bot, env("AGENTGRAPH_PROFILE_BOT"))
	setString(&c.Profile.Location, env("AGENTGRAPH_PROFILE_LOCATION"))
	if born := env("AGENTGRAPH_PROFILE_BORN"); born != "" {
		parsed, err := parseBorn(born)
		if err != nil {
			return err
		}
		c.Profile.Born = parsed
	}
	if projects := env("AGENTGRAPH_PROFILE_PROJECTS"); projects != "" {
		c.Profile.Projects = splitList(projects)
	}

	if err := envDuration(env, "AGENTGRAPH_LEASE_WAIT", &c.LeaseWait); err != nil {
		return err
	}
	if err := envInt(env, "AGENTGRAPH_MAX_STEPS", &c.MaxStepsPerTurn); err != nil {
		return err
	}
	if err := envDuration(env, "AGENTGRAPH_UPSTREAM_TIMEOUT", &c.UpstreamTimeout); err != nil {
		return err
	}
	if err := envInt(env, "AGENTGRAPH_RETRY_ATTEMPTS", &c.RetryAttempts); err != nil {
		return err
	}
	if value := env("AGENTGRAPH_RETRY_BACKOFF"); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("parse AGENTGRAPH_RETRY_BACKOFF: %w", err)
		}
		c.RetryBackoff = parsed
	}
	return nil
}

func envDuration(env func(string) string, name string, target *time.Duration) error {
	value := env(name)
	if value == "" {
		return nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	if parsed <= 0 {
		return fmt.Errorf("parse %s: value must be > 0", name)
	}
	*target = parsed
	return nil
}

func envInt(env func(string) string, name string, target *int) error {
	value := env(name)
	if value == "" {
		return nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	*target = parsed
	return nil
}

func setString(target *string, value string) {
	if value = strings.TrimSpace(value); value != "" {
		*target = value
	}
}

func setInt(target *int, value int) {
	if value != 0 {
		*target = value
	}
}

func setDuration(target *time.Duration, value time.Duration) {
	if value != 0 {
		*target = value
	}
}

func splitList(input string) []string {
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBorn(input string) (time.Time, error) {
	born, err := time.Parse(time.DateOnly, strings.TrimSpace(input))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse profile born date %q: %w", input, err)
	}
	return born, nil
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf(
			"parse AGENTGRAPH_LOG_LEVEL: unsupported value %q (allowed: %q, %q, %q, %q)",
			input,
			slog.LevelDebug.String(),
			slog.LevelInfo.String(),
			slog.LevelWarn.String(),
			slog.LevelError.String(),
		)
	}
}

func parseLogFormat(input string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf(
			"parse AGENTGRAPH_LOG_FORMAT: unsupported value %q (allowed: %q, %q)",
			input,
			LogFormatText,
			LogFormatJSON,
		)
	}
}
