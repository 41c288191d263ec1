// Package config loads the orchestrator configuration.
//
// Values come from a YAML file, then GENCODE_* environment variables, then
// defaults. Each section converts into the options type of the package that
// consumes it.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/knadh/koanf/v2"

	"github.com/NeuralNinja23/gencode-orchestrator/internal/agent"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/attention"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/budget"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/checkpoint"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/embeddings"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/events"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/evolution"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/gate"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/repair"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/scheduler"
)

// Config holds the complete orchestrator configuration.
type Config struct {
	Server     ServerConfig      `koanf:"server"`
	Scheduler  SchedulerConfig   `koanf:"scheduler"`
	Budget     BudgetConfig      `koanf:"budget"`
	Router     RouterConfig      `koanf:"router"`
	Evolution  EvolutionConfig   `koanf:"evolution"`
	Repair     repair.Config     `koanf:"repair"`
	Gate       gate.Config       `koanf:"gate"`
	Checkpoint checkpoint.Config `koanf:"checkpoint"`
	Embeddings EmbeddingsConfig  `koanf:"embeddings"`
	Agent      AgentConfig       `koanf:"agent"`
	NATS       events.Config     `koanf:"nats"`

	// k keeps the merged sources so sections owned by other packages
	// (logging, telemetry) can be decoded into their own types.
	k *koanf.Koanf
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SchedulerConfig holds dispatch settings.
type SchedulerConfig struct {
	MaxConcurrentSteps int      `koanf:"max_concurrent_steps"`
	Workers            int      `koanf:"workers"`
	StepTimeout        Duration `koanf:"step_timeout"`
	DispatchRate       float64  `koanf:"dispatch_rate"`
	DispatchBurst      int      `koanf:"dispatch_burst"`
}

// BudgetConfig is the budget policy plus the default run limit.
type BudgetConfig struct {
	DefaultLimit  float64 `koanf:"default_limit"`
	budget.Policy `koanf:",squash"`
}

// RouterConfig tunes attention routing.
type RouterConfig struct {
	Sharpness                  float64 `koanf:"sharpness"`
	SoftSharpness              float64 `koanf:"soft_sharpness"`
	EntropyThreshold           float64 `koanf:"entropy_threshold"`
	NormalizedEntropyThreshold float64 `koanf:"normalized_entropy_threshold"`
}

// EvolutionConfig tunes the learning rule and the pattern index.
type EvolutionConfig struct {
	MaxAlpha             float64  `koanf:"max_alpha"`
	MaxConfidence        float64  `koanf:"max_confidence"`
	MinAttributionWeight float64  `koanf:"min_attribution_weight"`
	ReadCacheTTL         Duration `koanf:"read_cache_ttl"`
	ReadCacheSize        int      `koanf:"read_cache_size"`
	// PatternIndexPath persists the pattern index. Empty keeps it in memory.
	PatternIndexPath string `koanf:"pattern_index_path"`
	// RepositoryPath persists decisions and evolved vectors. Empty keeps
	// them in memory.
	RepositoryPath string `koanf:"repository_path"`
}

// EmbeddingsConfig selects the embedding provider and its cache.
type EmbeddingsConfig struct {
	Provider  string   `koanf:"provider"`
	BaseURL   string   `koanf:"base_url"`
	Model     string   `koanf:"model"`
	APIKey    Secret   `koanf:"api_key"`
	Dimension int      `koanf:"dimension"`
	Timeout   Duration `koanf:"timeout"`
	CacheSize int      `koanf:"cache_size"`
	CacheTTL  Duration `koanf:"cache_ttl"`
}

// AgentConfig locates the executor, reviewer and persister services.
type AgentConfig struct {
	ExecutorURL    string   `koanf:"executor_url"`
	ReviewerURL    string   `koanf:"reviewer_url"`
	PersisterURL   string   `koanf:"persister_url"`
	APIKey         Secret   `koanf:"api_key"`
	RequestTimeout Duration `koanf:"request_timeout"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	sd := scheduler.DefaultConfig()
	if cfg.Scheduler.MaxConcurrentSteps == 0 {
		cfg.Scheduler.MaxConcurrentSteps = sd.MaxConcurrentSteps
	}
	if cfg.Scheduler.StepTimeout == 0 {
		cfg.Scheduler.StepTimeout = Duration(sd.StepTimeout)
	}

	bd := budget.DefaultPolicy()
	if cfg.Budget.DefaultLimit == 0 {
		cfg.Budget.DefaultLimit = sd.DefaultBudget
	}
	if cfg.Budget.DefaultTokens == 0 {
		cfg.Budget.DefaultTokens = bd.DefaultTokens
	}
	if cfg.Budget.StepTokens == nil {
		cfg.Budget.StepTokens = bd.StepTokens
	}
	if cfg.Budget.RetryScale == 0 {
		cfg.Budget.RetryScale = bd.RetryScale
	}
	if cfg.Budget.CostPer1KTokens == 0 {
		cfg.Budget.CostPer1KTokens = bd.CostPer1KTokens
	}
	if cfg.Budget.TightThreshold == 0 {
		cfg.Budget.TightThreshold = bd.TightThreshold
	}
	if cfg.Budget.ExhaustedThreshold == 0 {
		cfg.Budget.ExhaustedThreshold = bd.ExhaustedThreshold
	}

	rd := attention.DefaultConfig()
	if cfg.Router.Sharpness == 0 {
		cfg.Router.Sharpness = rd.Sharpness
	}
	if cfg.Router.SoftSharpness == 0 {
		cfg.Router.SoftSharpness = rd.SoftSharpness
	}
	if cfg.Router.EntropyThreshold == 0 {
		cfg.Router.EntropyThreshold = rd.EntropyThreshold
	}
	if cfg.Router.NormalizedEntropyThreshold == 0 {
		cfg.Router.NormalizedEntropyThreshold = rd.NormalizedEntropyThreshold
	}

	ed := evolution.DefaultConfig()
	if cfg.Evolution.MaxAlpha == 0 {
		cfg.Evolution.MaxAlpha = ed.MaxAlpha
	}
	if cfg.Evolution.MaxConfidence == 0 {
		cfg.Evolution.MaxConfidence = ed.MaxConfidence
	}
	if cfg.Evolution.MinAttributionWeight == 0 {
		cfg.Evolution.MinAttributionWeight = ed.MinAttributionWeight
	}
	if cfg.Evolution.ReadCacheTTL == 0 {
		cfg.Evolution.ReadCacheTTL = Duration(ed.ReadCacheTTL)
	}
	if cfg.Evolution.ReadCacheSize == 0 {
		cfg.Evolution.ReadCacheSize = ed.ReadCacheSize
	}

	pd := repair.DefaultConfig()
	if cfg.Repair.PatternMinSimilarity == 0 {
		cfg.Repair.PatternMinSimilarity = pd.PatternMinSimilarity
	}
	if cfg.Repair.PatternLimit == 0 {
		cfg.Repair.PatternLimit = pd.PatternLimit
	}

	gd := gate.DefaultConfig()
	if cfg.Gate.AcceptThreshold == 0 {
		cfg.Gate.AcceptThreshold = gd.AcceptThreshold
	}
	if cfg.Gate.StructuralScoreCap == 0 {
		cfg.Gate.StructuralScoreCap = gd.StructuralScoreCap
	}

	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "tei"
	}
	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8081"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}
	if cfg.Embeddings.Timeout == 0 {
		cfg.Embeddings.Timeout = Duration(30 * time.Second)
	}
	if cfg.Embeddings.CacheSize == 0 {
		cfg.Embeddings.CacheSize = embeddings.DefaultCacheSize
	}
	if cfg.Embeddings.CacheTTL == 0 {
		cfg.Embeddings.CacheTTL = Duration(embeddings.DefaultCacheTTL)
	}

	if cfg.Agent.RequestTimeout == 0 {
		cfg.Agent.RequestTimeout = Duration(5 * time.Minute)
	}

	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = events.DefaultSubjectPrefix
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Scheduler.MaxConcurrentSteps < 1 {
		return fmt.Errorf("scheduler.max_concurrent_steps must be >= 1, got %d", c.Scheduler.MaxConcurrentSteps)
	}
	if c.Scheduler.Workers < 0 {
		return fmt.Errorf("scheduler.workers must be >= 0, got %d", c.Scheduler.Workers)
	}
	if c.Scheduler.DispatchRate < 0 {
		return fmt.Errorf("scheduler.dispatch_rate must be >= 0, got %v", c.Scheduler.DispatchRate)
	}
	if c.Budget.DefaultLimit <= 0 {
		return fmt.Errorf("budget.default_limit must be positive, got %v", c.Budget.DefaultLimit)
	}
	if err := c.Budget.Policy.Validate(); err != nil {
		return fmt.Errorf("budget: %w", err)
	}
	if c.Router.SoftSharpness > c.Router.Sharpness {
		return fmt.Errorf("router.soft_sharpness (%v) must not exceed router.sharpness (%v)",
			c.Router.SoftSharpness, c.Router.Sharpness)
	}
	if c.Router.NormalizedEntropyThreshold > 1 {
		return fmt.Errorf("router.normalized_entropy_threshold must be <= 1, got %v", c.Router.NormalizedEntropyThreshold)
	}
	if c.Evolution.MaxAlpha > 1 {
		return fmt.Errorf("evolution.max_alpha must be <= 1, got %v", c.Evolution.MaxAlpha)
	}
	if c.Evolution.MaxConfidence > 1 {
		return fmt.Errorf("evolution.max_confidence must be <= 1, got %v", c.Evolution.MaxConfidence)
	}
	if c.Repair.TransformationalEnabled && !c.Repair.Sandboxed {
		return errors.New("repair.transformational_enabled requires repair.sandboxed")
	}
	if c.Repair.AutoApproveMutations && !c.Repair.TransformationalEnabled {
		return errors.New("repair.auto_approve_mutations requires repair.transformational_enabled")
	}
	if c.Gate.AcceptThreshold < 0 || c.Gate.AcceptThreshold > 10 {
		return fmt.Errorf("gate.accept_threshold must be within [0, 10], got %v", c.Gate.AcceptThreshold)
	}
	switch c.Embeddings.Provider {
	case "tei", "hash":
	default:
		return fmt.Errorf("embeddings.provider must be 'tei' or 'hash', got %q", c.Embeddings.Provider)
	}
	if c.Agent.ExecutorURL == "" {
		return errors.New("agent.executor_url is required")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("nats.url is required when nats is enabled")
	}
	return nil
}

// Section decodes the named top-level section into out, leaving fields the
// sources do not mention untouched. out usually arrives pre-filled with the
// owning package's defaults.
func (c *Config) Section(name string, out any) error {
	if c.k == nil || !c.k.Exists(name) {
		return nil
	}
	if err := c.k.Unmarshal(name, out); err != nil {
		return fmt.Errorf("decoding %s section: %w", name, err)
	}
	return nil
}

// SchedulerOptions returns the scheduler configuration.
func (c *Config) SchedulerOptions() scheduler.Config {
	return scheduler.Config{
		MaxConcurrentSteps: c.Scheduler.MaxConcurrentSteps,
		StepTimeout:        c.Scheduler.StepTimeout.Duration(),
		Workers:            c.Scheduler.Workers,
		DispatchRate:       c.Scheduler.DispatchRate,
		DispatchBurst:      c.Scheduler.DispatchBurst,
		DefaultBudget:      c.Budget.DefaultLimit,
	}
}

// RouterOptions returns the attention router configuration.
func (c *Config) RouterOptions() attention.Config {
	return attention.Config{
		Sharpness:                  c.Router.Sharpness,
		SoftSharpness:              c.Router.SoftSharpness,
		EntropyThreshold:           c.Router.EntropyThreshold,
		NormalizedEntropyThreshold: c.Router.NormalizedEntropyThreshold,
	}
}

// EvolutionOptions returns the evolution store configuration.
func (c *Config) EvolutionOptions() evolution.Config {
	return evolution.Config{
		MaxAlpha:             c.Evolution.MaxAlpha,
		MaxConfidence:        c.Evolution.MaxConfidence,
		MinAttributionWeight: c.Evolution.MinAttributionWeight,
		ReadCacheTTL:         c.Evolution.ReadCacheTTL.Duration(),
		ReadCacheSize:        c.Evolution.ReadCacheSize,
	}
}

// ProviderOptions returns the embedding provider configuration.
func (c *Config) ProviderOptions() embeddings.ProviderConfig {
	return embeddings.ProviderConfig{
		Provider:  c.Embeddings.Provider,
		Model:     c.Embeddings.Model,
		BaseURL:   c.Embeddings.BaseURL,
		APIKey:    c.Embeddings.APIKey.Value(),
		Timeout:   c.Embeddings.Timeout.Duration(),
		Dimension: c.Embeddings.Dimension,
	}
}

// CacheOptions returns the embedding cache configuration.
func (c *Config) CacheOptions() embeddings.CacheConfig {
	return embeddings.CacheConfig{
		Size:      c.Embeddings.CacheSize,
		TTL:       c.Embeddings.CacheTTL.Duration(),
		Namespace: c.Embeddings.Model,
	}
}

// ExecutorOptions returns the executor client configuration.
func (c *Config) ExecutorOptions() agent.Config {
	return c.agentClient(c.Agent.ExecutorURL)
}

// ReviewerOptions returns the reviewer client configuration. ok is false
// when no reviewer is configured.
func (c *Config) ReviewerOptions() (cfg agent.Config, ok bool) {
	return c.agentClient(c.Agent.ReviewerURL), c.Agent.ReviewerURL != ""
}

// PersisterOptions returns the persister client configuration. ok is false
// when no persister is configured.
func (c *Config) PersisterOptions() (cfg agent.Config, ok bool) {
	return c.agentClient(c.Agent.PersisterURL), c.Agent.PersisterURL != ""
}

func (c *Config) agentClient(url string) agent.Config {
	return agent.Config{
		BaseURL: url,
		APIKey:  c.Agent.APIKey.Value(),
		Timeout: c.Agent.RequestTimeout.Duration(),
	}
}
