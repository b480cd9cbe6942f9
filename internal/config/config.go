package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultModel       = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens   = 8192
	DefaultTemperature = 0.7

	DefaultStorage             = "sqlite"
	DefaultTokenizer           = "cl100k_base"
	DefaultWorkingCapacity     = 10
	DefaultWorkingDropChunk    = 2
	DefaultShortTermCapacity   = 30
	DefaultRecallCapacity      = 5
	DefaultTailSize            = 4
	DefaultCompressThreshold   = 20
	DefaultMessageCompactChars = 150
	DefaultNoveltyThreshold    = 0.8
	DefaultSchedule            = "0 0 3 * * *"
	DefaultCompressWorkers     = 2
	DefaultArchiveCacheSize    = 128

	DefaultCheckpointTokens     = 500
	DefaultRetrievalEveryTokens = 50
	DefaultMaxTurnTokens        = 8000
	DefaultMaxReflections       = 2
	DefaultInterpreter          = "tagged"

	DefaultRetrievalTimeout = "3s"
	DefaultRetrievalLimit   = 5

	DefaultLogLevel = "info"

	envPrefix = "MEMORIZER"
)

type Config struct {
	Provider   ProviderConfig   `json:"provider" mapstructure:"provider"`
	Agent      AgentConfig      `json:"agent" mapstructure:"agent"`
	Memory     MemoryConfig     `json:"memory" mapstructure:"memory"`
	Controller ControllerConfig `json:"controller" mapstructure:"controller"`
	Retrieval  RetrievalConfig  `json:"retrieval" mapstructure:"retrieval"`
	Log        LogConfig        `json:"log" mapstructure:"log"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty" mapstructure:"type"` // "anthropic" (default) or "openai"
	APIKey  string `json:"apiKey" mapstructure:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty" mapstructure:"baseUrl"`
}

type AgentConfig struct {
	Model        string  `json:"model" mapstructure:"model"`
	MaxTokens    int     `json:"maxTokens" mapstructure:"maxTokens"`
	Temperature  float64 `json:"temperature" mapstructure:"temperature"`
	SystemPrompt string  `json:"systemPrompt,omitempty" mapstructure:"systemPrompt"`
}

type MemoryConfig struct {
	DataDir             string          `json:"dataDir" mapstructure:"dataDir"`
	Storage             string          `json:"storage" mapstructure:"storage"`
	Tokenizer           string          `json:"tokenizer" mapstructure:"tokenizer"`
	WorkingCapacity     int             `json:"workingCapacity" mapstructure:"workingCapacity"`
	WorkingDropChunk    int             `json:"workingDropChunk" mapstructure:"workingDropChunk"`
	ShortTermCapacity   int             `json:"shortTermCapacity" mapstructure:"shortTermCapacity"`
	RecallCapacity      int             `json:"recallCapacity" mapstructure:"recallCapacity"`
	TailSize            int             `json:"tailSize" mapstructure:"tailSize"`
	CompressThreshold   int             `json:"compressThreshold" mapstructure:"compressThreshold"`
	MessageCompactChars int             `json:"messageCompactChars" mapstructure:"messageCompactChars"`
	NoveltyThreshold    float64         `json:"noveltyThreshold" mapstructure:"noveltyThreshold"`
	Schedule            string          `json:"schedule" mapstructure:"schedule"`
	Workers             int             `json:"workers" mapstructure:"workers"`
	ArchiveCacheSize    int             `json:"archiveCacheSize" mapstructure:"archiveCacheSize"`
	KnowledgePrefix     string          `json:"knowledgePrefix,omitempty" mapstructure:"knowledgePrefix"`
	KnowledgeDir        string          `json:"knowledgeDir,omitempty" mapstructure:"knowledgeDir"`
	Model               string          `json:"model,omitempty" mapstructure:"model"`
	Provider            *ProviderConfig `json:"provider,omitempty" mapstructure:"provider"`
}

type ControllerConfig struct {
	CheckpointTokens     int    `json:"checkpointTokens" mapstructure:"checkpointTokens"`
	RetrievalEveryTokens int    `json:"retrievalEveryTokens" mapstructure:"retrievalEveryTokens"`
	MaxTurnTokens        int    `json:"maxTurnTokens" mapstructure:"maxTurnTokens"`
	MaxReflections       int    `json:"maxReflections" mapstructure:"maxReflections"`
	Interpreter          string `json:"interpreter" mapstructure:"interpreter"`
}

type RetrievalConfig struct {
	Timeout string `json:"timeout" mapstructure:"timeout"`
	Limit   int    `json:"limit" mapstructure:"limit"`
}

type LogConfig struct {
	Level       string `json:"level" mapstructure:"level"`
	Development bool   `json:"development,omitempty" mapstructure:"development"`
	File        string `json:"file,omitempty" mapstructure:"file"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Model:       DefaultModel,
			MaxTokens:   DefaultMaxTokens,
			Temperature: DefaultTemperature,
		},
		Memory: MemoryConfig{
			DataDir:             filepath.Join(ConfigDir(), "data"),
			Storage:             DefaultStorage,
			Tokenizer:           DefaultTokenizer,
			WorkingCapacity:     DefaultWorkingCapacity,
			WorkingDropChunk:    DefaultWorkingDropChunk,
			ShortTermCapacity:   DefaultShortTermCapacity,
			RecallCapacity:      DefaultRecallCapacity,
			TailSize:            DefaultTailSize,
			CompressThreshold:   DefaultCompressThreshold,
			MessageCompactChars: DefaultMessageCompactChars,
			NoveltyThreshold:    DefaultNoveltyThreshold,
			Schedule:            DefaultSchedule,
			Workers:             DefaultCompressWorkers,
			ArchiveCacheSize:    DefaultArchiveCacheSize,
		},
		Controller: ControllerConfig{
			CheckpointTokens:     DefaultCheckpointTokens,
			RetrievalEveryTokens: DefaultRetrievalEveryTokens,
			MaxTurnTokens:        DefaultMaxTurnTokens,
			MaxReflections:       DefaultMaxReflections,
			Interpreter:          DefaultInterpreter,
		},
		Retrieval: RetrievalConfig{
			Timeout: DefaultRetrievalTimeout,
			Limit:   DefaultRetrievalLimit,
		},
		Log: LogConfig{Level: DefaultLogLevel},
	}
}

// ConfigDir is $MEMORIZER_HOME, or ~/.memorizer.
func ConfigDir() string {
	if dir := strings.TrimSpace(os.Getenv("MEMORIZER_HOME")); dir != "" {
		return dir
	}
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".memorizer")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// setDefaults registers every key so environment overrides apply to all of them.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("provider.type", d.Provider.Type)
	v.SetDefault("provider.apiKey", d.Provider.APIKey)
	v.SetDefault("provider.baseUrl", d.Provider.BaseURL)

	v.SetDefault("agent.model", d.Agent.Model)
	v.SetDefault("agent.maxTokens", d.Agent.MaxTokens)
	v.SetDefault("agent.temperature", d.Agent.Temperature)
	v.SetDefault("agent.systemPrompt", d.Agent.SystemPrompt)

	v.SetDefault("memory.dataDir", d.Memory.DataDir)
	v.SetDefault("memory.storage", d.Memory.Storage)
	v.SetDefault("memory.tokenizer", d.Memory.Tokenizer)
	v.SetDefault("memory.workingCapacity", d.Memory.WorkingCapacity)
	v.SetDefault("memory.workingDropChunk", d.Memory.WorkingDropChunk)
	v.SetDefault("memory.shortTermCapacity", d.Memory.ShortTermCapacity)
	v.SetDefault("memory.recallCapacity", d.Memory.RecallCapacity)
	v.SetDefault("memory.tailSize", d.Memory.TailSize)
	v.SetDefault("memory.compressThreshold", d.Memory.CompressThreshold)
	v.SetDefault("memory.messageCompactChars", d.Memory.MessageCompactChars)
	v.SetDefault("memory.noveltyThreshold", d.Memory.NoveltyThreshold)
	v.SetDefault("memory.schedule", d.Memory.Schedule)
	v.SetDefault("memory.workers", d.Memory.Workers)
	v.SetDefault("memory.archiveCacheSize", d.Memory.ArchiveCacheSize)
	v.SetDefault("memory.knowledgePrefix", d.Memory.KnowledgePrefix)
	v.SetDefault("memory.knowledgeDir", d.Memory.KnowledgeDir)
	v.SetDefault("memory.model", d.Memory.Model)

	v.SetDefault("controller.checkpointTokens", d.Controller.CheckpointTokens)
	v.SetDefault("controller.retrievalEveryTokens", d.Controller.RetrievalEveryTokens)
	v.SetDefault("controller.maxTurnTokens", d.Controller.MaxTurnTokens)
	v.SetDefault("controller.maxReflections", d.Controller.MaxReflections)
	v.SetDefault("controller.interpreter", d.Controller.Interpreter)

	v.SetDefault("retrieval.timeout", d.Retrieval.Timeout)
	v.SetDefault("retrieval.limit", d.Retrieval.Limit)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)
	v.SetDefault("log.file", d.Log.File)
}

// LoadConfig reads config.json from ConfigDir. Precedence, highest first:
// MEMORIZER_* environment variables, the file, defaults.
func LoadConfig() (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	path := ConfigPath()
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("provider.apiKey", "MEMORIZER_API_KEY", "MEMORIZER_PROVIDER_APIKEY")
	_ = v.BindEnv("provider.baseUrl", "MEMORIZER_BASE_URL", "MEMORIZER_PROVIDER_BASEURL")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_AUTH_TOKEN"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("ANTHROPIC_BASE_URL"); url != "" && cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = url
	}

	if cfg.Memory.DataDir == "" {
		cfg.Memory.DataDir = DefaultConfig().Memory.DataDir
	}
	return cfg, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}

// Validate rejects settings the runtime cannot honour.
func (c *Config) Validate() error {
	switch c.Provider.Type {
	case "", "anthropic", "openai":
	default:
		return fmt.Errorf("unknown provider type %q", c.Provider.Type)
	}
	m := c.Memory
	switch m.Storage {
	case "sqlite", "file":
	default:
		return fmt.Errorf("unknown memory storage %q", m.Storage)
	}
	if m.Tokenizer == "" {
		return fmt.Errorf("memory tokenizer must be set")
	}
	if m.WorkingCapacity <= 0 || m.ShortTermCapacity <= 0 || m.RecallCapacity <= 0 {
		return fmt.Errorf("memory capacities must be positive")
	}
	if m.WorkingDropChunk <= 0 || m.WorkingDropChunk > m.WorkingCapacity {
		return fmt.Errorf("memory workingDropChunk must be in 1..%d", m.WorkingCapacity)
	}
	// An overflow leaves workingCapacity+1-workingDropChunk messages in working.
	if minWorking := m.WorkingCapacity + 1 - m.WorkingDropChunk; m.TailSize < 0 || m.TailSize > minWorking {
		return fmt.Errorf("memory tailSize %d exceeds the %d messages working keeps after an overflow", m.TailSize, minWorking)
	}
	if m.CompressThreshold <= 0 {
		return fmt.Errorf("memory compressThreshold must be positive")
	}
	if m.NoveltyThreshold <= 0 || m.NoveltyThreshold > 1 {
		return fmt.Errorf("memory noveltyThreshold must be in (0, 1]")
	}

	ctl := c.Controller
	if ctl.CheckpointTokens <= 0 {
		return fmt.Errorf("controller checkpointTokens must be positive")
	}
	if ctl.RetrievalEveryTokens <= 0 {
		return fmt.Errorf("controller retrievalEveryTokens must be positive")
	}
	if ctl.MaxTurnTokens < ctl.CheckpointTokens {
		return fmt.Errorf("controller maxTurnTokens must be at least checkpointTokens")
	}
	switch ctl.Interpreter {
	case "tagged", "llm":
	default:
		return fmt.Errorf("unknown controller interpreter %q", ctl.Interpreter)
	}

	if _, err := c.RetrievalTimeout(); err != nil {
		return err
	}
	return nil
}

func (c *Config) RetrievalTimeout() (time.Duration, error) {
	if strings.TrimSpace(c.Retrieval.Timeout) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Retrieval.Timeout)
	if err != nil {
		return 0, fmt.Errorf("parse retrieval timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("retrieval timeout must not be negative")
	}
	return d, nil
}

// MemoryProvider is the provider used for summarization, falling back to the agent provider.
func (c *Config) MemoryProvider() ProviderConfig {
	p := c.Provider
	if c.Memory.Provider != nil {
		if c.Memory.Provider.Type != "" {
			p.Type = c.Memory.Provider.Type
		}
		if c.Memory.Provider.APIKey != "" {
			p.APIKey = c.Memory.Provider.APIKey
		}
		if c.Memory.Provider.BaseURL != "" {
			p.BaseURL = c.Memory.Provider.BaseURL
		}
	}
	return p
}

// MemoryModel is the summarization model, falling back to the agent model.
func (c *Config) MemoryModel() string {
	if m := strings.TrimSpace(c.Memory.Model); m != "" {
		return m
	}
	return c.Agent.Model
}
