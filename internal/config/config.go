// Package config provides configuration loading for supportd.
//
// Configuration is read from a YAML file and overridden by environment
// variables. Per-channel settings are exposed as an immutable snapshot that is
// swapped atomically on reload, so in-flight conversations never observe a
// half-updated channel table.
package config

import (
	"fmt"
	"time"

	"github.com/supportdhq/supportd/internal/logging"
)

// Config is the root supportd configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Logging    logging.Config   `koanf:"logging"`
	Database   DatabaseConfig   `koanf:"database"`
	Transport  TransportConfig  `koanf:"transport"`
	Classifier ClassifierConfig `koanf:"classifier"`
	Answer     AnswerConfig     `koanf:"answer"`
	Ticketing  TicketingConfig  `koanf:"ticketing"`
	Email      EmailConfig      `koanf:"email"`
	Channels   []ChannelConfig  `koanf:"channels"`
}

// ServerConfig configures the HTTP admin server.
type ServerConfig struct {
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig configures the SQLite-backed store.
type DatabaseConfig struct {
	Path string `koanf:"path"`
}

// TransportConfig configures the NATS event transport.
type TransportConfig struct {
	URL            string `koanf:"url"`
	InboundSubject string `koanf:"inbound_subject"`
	OutboundPrefix string `koanf:"outbound_prefix"`
	Workers        int    `koanf:"workers"`
}

// ClassifierConfig selects and configures the classification backend.
type ClassifierConfig struct {
	Provider string  `koanf:"provider"` // openai | anthropic
	Model    string  `koanf:"model"`
	APIKey   Secret  `koanf:"api_key"`
	BaseURL  string  `koanf:"base_url"`
	RateRPS  float64 `koanf:"rate_rps"`
}

// AnswerConfig configures the answer generation backend.
type AnswerConfig struct {
	Provider  string `koanf:"provider"` // openai | anthropic
	Model     string `koanf:"model"`
	APIKey    Secret `koanf:"api_key"`
	BaseURL   string `koanf:"base_url"`
	IndexPath string `koanf:"index_path"` // chromem persistence directory
}

// TicketingConfig configures the Jira-style ticketing client.
type TicketingConfig struct {
	URL        string   `koanf:"url"`
	Username   string   `koanf:"username"`
	APIToken   Secret   `koanf:"api_token"`
	ProjectKey string   `koanf:"project_key"`
	IssueType  string   `koanf:"issue_type"`
	Timeout    Duration `koanf:"timeout"`
}

// EmailConfig configures escalation email delivery.
type EmailConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Username string `koanf:"username"`
	Password Secret `koanf:"password"`
	From     string `koanf:"from"`
}

// ReopenPolicy controls what happens when an event arrives for a thread whose
// conversation is already terminal.
type ReopenPolicy string

const (
	// ReopenIgnore records the event as a message but leaves the
	// conversation terminal.
	ReopenIgnore ReopenPolicy = "ignore"
	// ReopenNew starts a fresh conversation for the thread.
	ReopenNew ReopenPolicy = "new"
)

// RetrievalParams tune answer-generation retrieval for a channel.
type RetrievalParams struct {
	TopK                int     `koanf:"top_k"`
	SimilarityThreshold float64 `koanf:"similarity_threshold"`
	Namespace           string  `koanf:"namespace"`
}

// ChannelConfig is the per-channel policy block.
type ChannelConfig struct {
	ID                      string          `koanf:"id"`
	Name                    string          `koanf:"name"`
	Enabled                 bool            `koanf:"enabled"`
	Approvers               []string        `koanf:"approvers"`
	ActionWhitelist         []string        `koanf:"action_whitelist"`
	FirstResponseMinutes    int             `koanf:"first_response_minutes"`
	ResolutionMinutes       int             `koanf:"resolution_minutes"`
	EscalateOnActionFailure bool            `koanf:"escalate_on_action_failure"`
	ReopenPolicy            ReopenPolicy    `koanf:"reopen_policy"`
	MaxActionsPerDay        int             `koanf:"max_actions_per_day"`
	EscalationRecipients    []string        `koanf:"escalation_recipients"`
	RAGIndex                string          `koanf:"rag_index"`
	Retrieval               RetrievalParams `koanf:"retrieval"`
}

// FirstResponseDeadline returns the first-response SLA window.
func (c ChannelConfig) FirstResponseDeadline() time.Duration {
	return time.Duration(c.FirstResponseMinutes) * time.Minute
}

// ResolutionDeadline returns the resolution SLA window.
func (c ChannelConfig) ResolutionDeadline() time.Duration {
	return time.Duration(c.ResolutionMinutes) * time.Minute
}

// IsApprover reports whether the actor is in the channel's approver set.
func (c ChannelConfig) IsApprover(actor string) bool {
	for _, a := range c.Approvers {
		if a == actor {
			return true
		}
	}
	return false
}

// IsWhitelisted reports whether the action may run in this channel.
func (c ChannelConfig) IsWhitelisted(action string) bool {
	for _, a := range c.ActionWhitelist {
		if a == action {
			return true
		}
	}
	return false
}

// Validate checks the configuration for unusable values.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Transport.Workers <= 0 {
		return fmt.Errorf("transport.workers must be positive")
	}
	switch c.Classifier.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("classifier.provider must be openai or anthropic, got %q", c.Classifier.Provider)
	}
	switch c.Answer.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("answer.provider must be openai or anthropic, got %q", c.Answer.Provider)
	}
	seen := make(map[string]bool, len(c.Channels))
	for i := range c.Channels {
		ch := &c.Channels[i]
		if ch.ID == "" {
			return fmt.Errorf("channels[%d].id is required", i)
		}
		if seen[ch.ID] {
			return fmt.Errorf("duplicate channel id %q", ch.ID)
		}
		seen[ch.ID] = true
		if ch.FirstResponseMinutes <= 0 {
			return fmt.Errorf("channel %s: first_response_minutes must be positive", ch.ID)
		}
		if ch.ResolutionMinutes <= 0 {
			return fmt.Errorf("channel %s: resolution_minutes must be positive", ch.ID)
		}
		switch ch.ReopenPolicy {
		case ReopenIgnore, ReopenNew:
		default:
			return fmt.Errorf("channel %s: reopen_policy must be ignore or new, got %q", ch.ID, ch.ReopenPolicy)
		}
	}
	return nil
}

// applyDefaults fills unset fields with working values.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "supportd.db"
	}
	if cfg.Transport.URL == "" {
		cfg.Transport.URL = "nats://localhost:4222"
	}
	if cfg.Transport.InboundSubject == "" {
		cfg.Transport.InboundSubject = "supportd.events.inbound"
	}
	if cfg.Transport.OutboundPrefix == "" {
		cfg.Transport.OutboundPrefix = "supportd.notify"
	}
	if cfg.Transport.Workers == 0 {
		cfg.Transport.Workers = 8
	}
	if cfg.Classifier.Provider == "" {
		cfg.Classifier.Provider = "openai"
	}
	if cfg.Classifier.RateRPS == 0 {
		cfg.Classifier.RateRPS = 2
	}
	if cfg.Answer.Provider == "" {
		cfg.Answer.Provider = cfg.Classifier.Provider
	}
	if cfg.Ticketing.IssueType == "" {
		cfg.Ticketing.IssueType = "Task"
	}
	if cfg.Ticketing.Timeout == 0 {
		cfg.Ticketing.Timeout = Duration(15 * time.Second)
	}
	if cfg.Email.Port == 0 {
		cfg.Email.Port = 587
	}
	for i := range cfg.Channels {
		ch := &cfg.Channels[i]
		if ch.FirstResponseMinutes == 0 {
			ch.FirstResponseMinutes = 15
		}
		if ch.ResolutionMinutes == 0 {
			ch.ResolutionMinutes = 120
		}
		if ch.ReopenPolicy == "" {
			ch.ReopenPolicy = ReopenIgnore
		}
		if ch.MaxActionsPerDay == 0 {
			ch.MaxActionsPerDay = 100
		}
		if ch.Retrieval.TopK == 0 {
			ch.Retrieval.TopK = 5
		}
		if ch.Retrieval.SimilarityThreshold == 0 {
			ch.Retrieval.SimilarityThreshold = 0.7
		}
	}
}
