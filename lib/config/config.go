// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/chatrelay/lib/llm"
)

// InProgressIndicator is appended to rich messages while they stream.
// The rich length cap reserves room for it.
const InProgressIndicator = " ⚪"

// Config is the relay's complete configuration.
type Config struct {
	Matrix      MatrixConfig      `yaml:"matrix"`
	Model       ModelConfig       `yaml:"model"`
	Secondary   SecondaryConfig   `yaml:"secondary"`
	Limits      LimitsConfig      `yaml:"limits"`
	History     HistoryConfig     `yaml:"history"`
	Stream      StreamConfig      `yaml:"stream"`
	Cache       CacheConfig       `yaml:"cache"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Notes       NotesConfig       `yaml:"notes"`

	// SystemPrompt is the base system prompt. The date, author
	// instructions, user notes and control-token instruction are added
	// per turn.
	SystemPrompt string `yaml:"system_prompt"`

	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// MatrixConfig configures the homeserver connection.
type MatrixConfig struct {
	// Homeserver is the client-server API base URL.
	Homeserver string `yaml:"homeserver"`

	// UserID is the bot's full Matrix user ID (@bot:example.org).
	UserID string `yaml:"user_id"`

	AccessToken string `yaml:"access_token"`

	// AutoJoin accepts room invites.
	AutoJoin bool `yaml:"auto_join"`

	// RequestsPerSecond and Burst pace outbound client-server API
	// calls. Zero RequestsPerSecond disables pacing.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// ModelConfig selects a model backend.
type ModelConfig struct {
	// Provider is one of "openai", "anthropic", "gemini".
	Provider string `yaml:"provider"`

	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`

	MaxTokens   int      `yaml:"max_tokens"`
	Temperature *float64 `yaml:"temperature"`

	// Vision marks the model as accepting images.
	Vision bool `yaml:"vision"`
}

// Variant returns Provider as an [llm.Variant].
func (model ModelConfig) Variant() llm.Variant {
	return llm.Variant(model.Provider)
}

// SecondaryConfig configures the escalation model that takes over a
// turn when the primary model emits the control token.
type SecondaryConfig struct {
	Enabled bool `yaml:"enabled"`

	ModelConfig `yaml:",inline"`

	// Signal is the control token the primary model emits to escalate.
	Signal string `yaml:"signal"`

	// NotifyUser overwrites the primary messages with a notice while
	// the secondary model starts.
	NotifyUser bool `yaml:"notify_user"`
}

// Rule is one admission scope: at most Limit accepted requests per
// Window. A zero Limit or Window disables the scope.
type Rule struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// LimitsConfig configures the two admission limiters.
type LimitsConfig struct {
	Enabled bool `yaml:"enabled"`

	User   Rule `yaml:"user"`
	Global Rule `yaml:"global"`

	SecondaryUser   Rule `yaml:"secondary_user"`
	SecondaryGlobal Rule `yaml:"secondary_global"`
}

// HistoryConfig bounds prompt assembly.
type HistoryConfig struct {
	MaxMessages int `yaml:"max_messages"`
	MaxText     int `yaml:"max_text"`
	MaxImages   int `yaml:"max_images"`
}

// StreamConfig configures how replies are streamed into messages.
type StreamConfig struct {
	// Rich sends HTML-formatted messages. Plain mode sends bodies only.
	Rich bool `yaml:"rich"`

	EditInterval time.Duration `yaml:"edit_interval"`

	// PlainMaxLength and RichMaxLength cap one message, in characters.
	PlainMaxLength int `yaml:"plain_max_length"`
	RichMaxLength  int `yaml:"rich_max_length"`
}

// MaxLength returns the per-message cap for the configured mode.
func (stream StreamConfig) MaxLength() int {
	if stream.Rich {
		return stream.RichMaxLength
	}
	return stream.PlainMaxLength
}

// CacheConfig sizes the fragment cache.
type CacheConfig struct {
	Capacity int `yaml:"capacity"`
}

// AllowBlock is an allow list and a block list of IDs. Blocked wins;
// an empty allow list allows everyone.
type AllowBlock struct {
	Allowed []string `yaml:"allowed"`
	Blocked []string `yaml:"blocked"`
}

// Permits reports whether id passes the lists.
func (lists AllowBlock) Permits(id string) bool {
	for _, blocked := range lists.Blocked {
		if blocked == id {
			return false
		}
	}
	if len(lists.Allowed) == 0 {
		return true
	}
	for _, allowed := range lists.Allowed {
		if allowed == id {
			return true
		}
	}
	return false
}

// PermissionsConfig restricts who may trigger turns, and where.
type PermissionsConfig struct {
	Users    AllowBlock `yaml:"users"`
	Rooms    AllowBlock `yaml:"rooms"`
	AllowDMs bool       `yaml:"allow_dms"`
}

// NotesConfig configures per-user notes.
type NotesConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DatabasePath string `yaml:"database_path"`

	// MaxLength bounds stored notes; longer notes are condensed by the
	// primary model.
	MaxLength int `yaml:"max_length"`

	// ModelTags lets the model edit notes with [MEM_APPEND] and
	// [MEM_REPLACE:old] tags in its replies.
	ModelTags bool `yaml:"model_tags"`

	// ShowConfirmation replies with the applied change.
	ShowConfirmation bool `yaml:"show_confirmation"`
}

// MetricsConfig configures the status server.
type MetricsConfig struct {
	// Listen is the address for /metrics and /healthz. Empty disables
	// the server.
	Listen string `yaml:"listen"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration every loaded file is merged over.
func Default() *Config {
	return &Config{
		Matrix: MatrixConfig{
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Model: ModelConfig{
			Provider:  string(llm.VariantOpenAI),
			MaxTokens: 4096,
		},
		Secondary: SecondaryConfig{
			Signal:     "[USE_REASONING_MODEL]",
			NotifyUser: true,
		},
		Limits: LimitsConfig{
			Enabled:       true,
			User:          Rule{Limit: 5, Window: 60 * time.Second},
			Global:        Rule{Limit: 100, Window: 60 * time.Second},
			SecondaryUser: Rule{Limit: 2, Window: 300 * time.Second},
		},
		History: HistoryConfig{
			MaxMessages: 25,
			MaxText:     100000,
			MaxImages:   5,
		},
		Stream: StreamConfig{
			Rich:           true,
			EditInterval:   1300 * time.Millisecond,
			PlainMaxLength: 2000,
			RichMaxLength:  4096 - len([]rune(InProgressIndicator)),
		},
		Cache: CacheConfig{Capacity: 100},
		Permissions: PermissionsConfig{
			AllowDMs: true,
		},
		Notes: NotesConfig{
			DatabasePath:     "chatrelay-notes.db",
			MaxLength:        1500,
			ShowConfirmation: true,
		},
		SystemPrompt: "You are a helpful chat assistant.",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads the file named by CHATRELAY_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv("CHATRELAY_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("CHATRELAY_CONFIG environment variable not set; " +
			"set it to the path of your config file, or use --config flag")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path over [Default] and expands
// variable references in secret-bearing fields.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.expandVariables()
	return cfg, nil
}

// LoadEnvFile loads a dotenv file into the process environment without
// overriding variables that are already set. A missing file is not an
// error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: loading %s: %w", path, err)
	}
	return nil
}

func (c *Config) expandVariables() {
	for _, field := range []*string{
		&c.Matrix.Homeserver,
		&c.Matrix.UserID,
		&c.Matrix.AccessToken,
		&c.Model.BaseURL,
		&c.Model.APIKey,
		&c.Secondary.BaseURL,
		&c.Secondary.APIKey,
		&c.Notes.DatabasePath,
		&c.Metrics.Listen,
	} {
		*field = expandVars(*field)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} from the environment.
// An unset or empty variable without a default expands to "".
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Matrix.Homeserver == "" {
		errs = append(errs, errors.New("matrix.homeserver is required"))
	}
	if !strings.HasPrefix(c.Matrix.UserID, "@") || !strings.Contains(c.Matrix.UserID, ":") {
		errs = append(errs, fmt.Errorf("matrix.user_id must be a full Matrix user ID, got %q", c.Matrix.UserID))
	}
	if c.Matrix.AccessToken == "" {
		errs = append(errs, errors.New("matrix.access_token is required"))
	}
	if c.Matrix.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("matrix.requests_per_second must not be negative"))
	}

	errs = append(errs, validateModel("model", c.Model)...)
	if c.Secondary.Enabled {
		errs = append(errs, validateModel("secondary", c.Secondary.ModelConfig)...)
		if strings.TrimSpace(c.Secondary.Signal) == "" {
			errs = append(errs, errors.New("secondary.signal is required when secondary is enabled"))
		}
	}

	for name, rule := range map[string]Rule{
		"limits.user":             c.Limits.User,
		"limits.global":           c.Limits.Global,
		"limits.secondary_user":   c.Limits.SecondaryUser,
		"limits.secondary_global": c.Limits.SecondaryGlobal,
	} {
		if rule.Limit < 0 || rule.Window < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}

	if c.History.MaxMessages <= 0 {
		errs = append(errs, errors.New("history.max_messages must be positive"))
	}
	if c.History.MaxText <= 0 {
		errs = append(errs, errors.New("history.max_text must be positive"))
	}
	if c.History.MaxImages < 0 {
		errs = append(errs, errors.New("history.max_images must not be negative"))
	}

	if c.Stream.PlainMaxLength <= 0 || c.Stream.RichMaxLength <= 0 {
		errs = append(errs, errors.New("stream max lengths must be positive"))
	}
	if c.Stream.EditInterval < 0 {
		errs = append(errs, errors.New("stream.edit_interval must not be negative"))
	}
	if c.Cache.Capacity <= 0 {
		errs = append(errs, errors.New("cache.capacity must be positive"))
	}

	if c.Notes.Enabled {
		if c.Notes.DatabasePath == "" {
			errs = append(errs, errors.New("notes.database_path is required when notes are enabled"))
		}
		if c.Notes.MaxLength <= 0 {
			errs = append(errs, errors.New("notes.max_length must be positive"))
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json; got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

func validateModel(section string, model ModelConfig) []error {
	var errs []error
	if !model.Variant().Valid() {
		errs = append(errs, fmt.Errorf("%s.provider must be one of openai, anthropic, gemini; got %q", section, model.Provider))
	}
	if model.Model == "" {
		errs = append(errs, fmt.Errorf("%s.model is required", section))
	}
	if model.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("%s.max_tokens must not be negative", section))
	}
	return errs
}
