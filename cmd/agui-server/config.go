package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	openaisdk "github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"
	"gopkg.in/yaml.v3"

	"goa.design/agui/features/agent/anthropic"
	"goa.design/agui/features/agent/bedrock"
	"goa.design/agui/features/agent/middleware"
	"goa.design/agui/features/agent/openai"
	"goa.design/agui/features/agent/remote"
	"goa.design/agui/features/tools/webhook"
	"goa.design/agui/runtime/agent"
	"goa.design/agui/runtime/telemetry"
	"goa.design/agui/runtime/tools"
)

type (
	// Config is the server configuration file. It declares the agents the
	// server exposes and the server-side tools offered to them.
	Config struct {
		Agents []AgentConfig `yaml:"agents"`
		Tools  []ToolConfig  `yaml:"tools"`
	}

	// AgentConfig declares one agent.
	AgentConfig struct {
		// ID is the agent identifier used in request paths.
		ID string `yaml:"id"`
		// Provider is one of anthropic, openai, bedrock or remote.
		Provider    string  `yaml:"provider"`
		Model       string  `yaml:"model"`
		MaxTokens   int     `yaml:"maxTokens"`
		Temperature float64 `yaml:"temperature"`
		System      string  `yaml:"system"`
		// Endpoint is the URL of a remote agent.
		Endpoint string            `yaml:"endpoint"`
		Headers  map[string]string `yaml:"headers"`
		// Strict validates the event sequence of remote turns.
		Strict    bool             `yaml:"strict"`
		RateLimit *RateLimitConfig `yaml:"rateLimit"`
	}

	// RateLimitConfig enables the adaptive rate limiter for an agent.
	RateLimitConfig struct {
		InitialTPM float64 `yaml:"initialTPM"`
		MaxTPM     float64 `yaml:"maxTPM"`
	}

	// ToolConfig declares a server-side tool.
	ToolConfig struct {
		Name        string         `yaml:"name"`
		Description string         `yaml:"description"`
		Parameters  map[string]any `yaml:"parameters"`
		AgentID     string         `yaml:"agentId"`
		Available   *bool          `yaml:"available"`
		FollowUp    *bool          `yaml:"followUp"`
		Webhook     *WebhookConfig `yaml:"webhook"`
	}

	// WebhookConfig routes tool calls to an HTTP endpoint.
	WebhookConfig struct {
		URL           string            `yaml:"url"`
		Headers       map[string]string `yaml:"headers"`
		Timeout       time.Duration     `yaml:"timeout"`
		RatePerSecond float64           `yaml:"ratePerSecond"`
	}

	// credentials holds the provider secrets read from the environment.
	credentials struct {
		AnthropicKey string
		OpenAIKey    string
		AWSRegion    string
	}
)

const (
	providerAnthropic = "anthropic"
	providerOpenAI    = "openai"
	providerBedrock   = "bedrock"
	providerRemote    = "remote"
)

// loadConfig reads and validates the configuration file at path.
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Agents) == 0 {
		return errors.New("config: at least one agent is required")
	}
	seen := make(map[string]struct{}, len(c.Agents))
	for i, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("config: agents[%d]: id is required", i)
		}
		if _, dup := seen[a.ID]; dup {
			return fmt.Errorf("config: duplicate agent %q", a.ID)
		}
		seen[a.ID] = struct{}{}
		switch a.Provider {
		case providerAnthropic, providerOpenAI, providerBedrock:
			if a.Model == "" {
				return fmt.Errorf("config: agent %q: model is required", a.ID)
			}
		case providerRemote:
			if a.Endpoint == "" {
				return fmt.Errorf("config: agent %q: endpoint is required", a.ID)
			}
		default:
			return fmt.Errorf("config: agent %q: unknown provider %q", a.ID, a.Provider)
		}
	}
	for i, t := range c.Tools {
		if t.Name == "" {
			return fmt.Errorf("config: tools[%d]: name is required", i)
		}
		if t.AgentID != "" {
			if _, ok := seen[t.AgentID]; !ok {
				return fmt.Errorf("config: tool %q: unknown agent %q", t.Name, t.AgentID)
			}
		}
	}
	return nil
}

// buildAgents instantiates the configured agents keyed by ID.
func (c *Config) buildAgents(ctx context.Context, creds credentials, metrics telemetry.Metrics) (map[string]agent.Agent, error) {
	agents := make(map[string]agent.Agent, len(c.Agents))
	for _, ac := range c.Agents {
		a, err := ac.build(creds)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", ac.ID, err)
		}
		if ac.RateLimit != nil {
			l := middleware.NewAdaptiveRateLimiter(ctx, middleware.Options{
				InitialTPM: ac.RateLimit.InitialTPM,
				MaxTPM:     ac.RateLimit.MaxTPM,
				Metrics:    metrics,
			})
			a = l.Wrap(a)
		}
		agents[ac.ID] = a
	}
	return agents, nil
}

func (ac AgentConfig) build(creds credentials) (agent.Agent, error) {
	switch ac.Provider {
	case providerAnthropic:
		if creds.AnthropicKey == "" {
			return nil, errors.New("ANTHROPIC_API_KEY is not set")
		}
		client := sdk.NewClient(anthropicopt.WithAPIKey(creds.AnthropicKey))
		return anthropic.New(&client.Messages, anthropic.Options{
			Model:       ac.Model,
			MaxTokens:   ac.MaxTokens,
			Temperature: ac.Temperature,
			System:      ac.System,
		})
	case providerOpenAI:
		if creds.OpenAIKey == "" {
			return nil, errors.New("OPENAI_API_KEY is not set")
		}
		client := openaisdk.NewClient(openaiopt.WithAPIKey(creds.OpenAIKey))
		return openai.New(openai.Options{
			Client:      &client.Chat.Completions,
			Model:       ac.Model,
			MaxTokens:   ac.MaxTokens,
			Temperature: ac.Temperature,
			System:      ac.System,
		})
	case providerBedrock:
		rt, err := bedrock.NewEnvClient(creds.AWSRegion)
		if err != nil {
			return nil, err
		}
		return bedrock.New(bedrock.Options{
			Runtime:     rt,
			Model:       ac.Model,
			MaxTokens:   ac.MaxTokens,
			Temperature: float32(ac.Temperature),
			System:      ac.System,
		})
	case providerRemote:
		return remote.New(remote.Options{
			Endpoint: ac.Endpoint,
			Header:   toHeader(ac.Headers),
			Strict:   ac.Strict,
		})
	}
	return nil, fmt.Errorf("unknown provider %q", ac.Provider)
}

// buildRegistry registers the configured tools.
func (c *Config) buildRegistry() (*tools.Registry, error) {
	reg := tools.NewRegistry()
	for _, tc := range c.Tools {
		t := tools.Tool{
			Name:        tc.Name,
			Description: tc.Description,
			AgentID:     tc.AgentID,
			Available:   tc.Available,
			FollowUp:    tc.FollowUp,
		}
		if tc.Parameters != nil {
			raw, err := json.Marshal(tc.Parameters)
			if err != nil {
				return nil, fmt.Errorf("tool %q: encode parameters: %w", tc.Name, err)
			}
			t.Parameters = raw
		}
		if tc.Webhook != nil {
			h, err := webhook.New(webhook.Options{
				URL:           tc.Webhook.URL,
				Header:        toHeader(tc.Webhook.Headers),
				Timeout:       tc.Webhook.Timeout,
				RatePerSecond: tc.Webhook.RatePerSecond,
			})
			if err != nil {
				return nil, fmt.Errorf("tool %q: %w", tc.Name, err)
			}
			t.Handler = h
		}
		if err := reg.AddTool(t); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func toHeader(m map[string]string) http.Header {
	if len(m) == 0 {
		return nil
	}
	h := make(http.Header, len(m))
	for k, v := range m {
		h.Set(k, os.ExpandEnv(v))
	}
	return h
}
