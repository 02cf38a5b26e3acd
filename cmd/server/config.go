package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/MegaGrindStone/roadmap-chat/internal/models"
	"github.com/MegaGrindStone/roadmap-chat/internal/services"
	"github.com/MegaGrindStone/roadmap-chat/internal/session"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	llm(systemPrompt string, logger *slog.Logger) (session.StreamingClient, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port         string `yaml:"port"`
	LogLevel     string `yaml:"logLevel"`
	SystemPrompt string `yaml:"systemPrompt"`
	RoadmapSlug  string `yaml:"roadmapSlug"`
	DBPath       string `yaml:"dbPath"`
	CodeStyle    string `yaml:"codeStyle"`
	LoginURL     string `yaml:"loginURL"`
	UpgradeURL   string `yaml:"upgradeURL"`

	Auth    authConfig    `yaml:"auth"`
	Quota   quotaConfig   `yaml:"quota"`
	Billing billingConfig `yaml:"billing"`

	LLM llmConfig `yaml:"llm"`
}

type authConfig struct {
	Token string `yaml:"token"`
}

type quotaConfig struct {
	User       string `yaml:"user"`
	DailyLimit int    `yaml:"dailyLimit"`
}

type billingConfig struct {
	Status string `yaml:"status"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type openaiConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string                 `yaml:"apiKey"`
	BaseURL       string                 `yaml:"baseURL"`
	Parameters    services.LLMParameters `yaml:"parameters"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	Endpoint      string `yaml:"endpoint"`
	MaxTokens     int    `yaml:"maxTokens"`
}

// roadmapConfig points the assistant at the roadmap backend, which also serves the usage and billing
// status of the user.
type roadmapConfig struct {
	BaseLLMConfig `yaml:",inline"`
	BaseURL       string `yaml:"baseURL"`
	Token         string `yaml:"token"`
}

const (
	defaultPort       = "8080"
	defaultDailyLimit = 20
	defaultQuotaUser  = "default"
)

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port         string         `yaml:"port"`
		LogLevel     string         `yaml:"logLevel"`
		SystemPrompt string         `yaml:"systemPrompt"`
		RoadmapSlug  string         `yaml:"roadmapSlug"`
		DBPath       string         `yaml:"dbPath"`
		CodeStyle    string         `yaml:"codeStyle"`
		LoginURL     string         `yaml:"loginURL"`
		UpgradeURL   string         `yaml:"upgradeURL"`
		Auth         authConfig     `yaml:"auth"`
		Quota        quotaConfig    `yaml:"quota"`
		Billing      billingConfig  `yaml:"billing"`
		LLM          map[string]any `yaml:"llm"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	if c.Port == "" {
		c.Port = defaultPort
	}
	c.LogLevel = rawConfig.LogLevel
	c.SystemPrompt = rawConfig.SystemPrompt
	c.RoadmapSlug = rawConfig.RoadmapSlug
	c.DBPath = rawConfig.DBPath
	c.CodeStyle = rawConfig.CodeStyle
	c.LoginURL = rawConfig.LoginURL
	c.UpgradeURL = rawConfig.UpgradeURL
	c.Auth = rawConfig.Auth
	c.Quota = rawConfig.Quota
	if c.Quota.User == "" {
		c.Quota.User = defaultQuotaUser
	}
	if c.Quota.DailyLimit == 0 {
		c.Quota.DailyLimit = defaultDailyLimit
	}
	c.Billing = rawConfig.Billing

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return errors.New("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "ollama":
		llm = &ollamaConfig{}
	case "openai":
		llm = &openaiConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	case "roadmap":
		llm = &roadmapConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm

	return nil
}

func (c config) logLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func (o ollamaConfig) llm(systemPrompt string, logger *slog.Logger) (session.StreamingClient, error) {
	if o.Model == "" {
		return nil, errors.New("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = "http://localhost:11434"
	}
	return services.NewOllama(host, o.Model, systemPrompt, logger)
}

func (o openaiConfig) llm(systemPrompt string, logger *slog.Logger) (session.StreamingClient, error) {
	if o.Model == "" {
		return nil, errors.New("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, systemPrompt, o.Parameters, logger), nil
}

func (a anthropicConfig) llm(systemPrompt string, logger *slog.Logger) (session.StreamingClient, error) {
	if a.Model == "" {
		return nil, errors.New("model is required")
	}
	if a.MaxTokens == 0 {
		return nil, errors.New("maxTokens is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return services.NewAnthropic(apiKey, a.Endpoint, a.Model, systemPrompt, a.MaxTokens, logger), nil
}

func (r roadmapConfig) api(logger *slog.Logger) (services.RoadmapAPI, error) {
	if r.BaseURL == "" {
		return services.RoadmapAPI{}, errors.New("baseURL is required")
	}

	token := r.Token
	if token == "" {
		token = os.Getenv("ROADMAP_API_TOKEN")
	}
	return services.NewRoadmapAPI(r.BaseURL, token, logger), nil
}

func (r roadmapConfig) llm(_ string, logger *slog.Logger) (session.StreamingClient, error) {
	return r.api(logger)
}

func (c config) billingStatus() models.BillingStatus {
	return models.BillingStatus(c.Billing.Status)
}
