// Package config provides clinicassist configuration: a TOML file overlaid
// with environment variables (optionally loaded from a .env file).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/zlnick/PatientInfoSE/pkg/tools"
)

// Config holds all application configuration.
type Config struct {
	Debug      bool        `toml:"debug"`
	Server     Server      `toml:"server"`
	Storage    Storage     `toml:"storage"`
	LLM        LLM         `toml:"llm"`
	Assistant  Assistant   `toml:"assistant"`
	MCPServers []MCPServer `toml:"mcp_servers" validate:"dive"`
}

// Server configures the HTTP transport.
type Server struct {
	// Address to listen on (e.g., ":8080")
	Listen string `toml:"listen" validate:"required"`
}

// Storage configures session persistence.
type Storage struct {
	// SQLitePath is the session database file. Empty keeps sessions in memory.
	SQLitePath string `toml:"sqlite_path"`
}

// LLM configures the OpenAI compatible model endpoint.
type LLM struct {
	BaseURL     string        `toml:"base_url" validate:"required,url"`
	APIKey      string        `toml:"api_key"`
	Model       string        `toml:"model" validate:"required"`
	Temperature float64       `toml:"temperature" validate:"gte=0,lte=2"`
	Timeout     time.Duration `toml:"timeout" validate:"gte=0"`
}

// Assistant configures turn handling.
type Assistant struct {
	Name string `toml:"name"`

	// Greeting writes an identity turn into every new session.
	Greeting         bool   `toml:"greeting"`
	PractitionerID   string `toml:"practitioner_id" validate:"required_if=Greeting true"`
	PractitionerName string `toml:"practitioner_name"`

	// ToolTimeout bounds a single MCP tool call.
	ToolTimeout time.Duration `toml:"tool_timeout" validate:"gte=0"`
}

// MCPServer is one tool source.
type MCPServer struct {
	Name      string   `toml:"name" validate:"required"`
	Transport string   `toml:"transport" validate:"omitempty,oneof=streamable sse stdio"`
	Endpoint  string   `toml:"endpoint" validate:"required_unless=Transport stdio,omitempty,url"`
	Command   string   `toml:"command" validate:"required_if=Transport stdio"`
	Args      []string `toml:"args"`
	Env       []string `toml:"env"`
}

// ToolsConfig converts the entry for tools.Hub.
func (m MCPServer) ToolsConfig() tools.ServerConfig {
	return tools.ServerConfig{
		Name:      m.Name,
		Transport: m.Transport,
		Endpoint:  m.Endpoint,
		Command:   m.Command,
		Args:      m.Args,
		Env:       m.Env,
	}
}

// ToolServers converts every configured MCP server.
func (c *Config) ToolServers() []tools.ServerConfig {
	out := make([]tools.ServerConfig, len(c.MCPServers))
	for i, m := range c.MCPServers {
		out[i] = m.ToolsConfig()
	}
	return out
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: Server{Listen: ":8080"},
		LLM: LLM{
			BaseURL:     "https://api.deepseek.com/v1",
			Model:       "deepseek-chat",
			Temperature: 0.01,
			Timeout:     2 * time.Minute,
		},
		Assistant: Assistant{
			Name:        "小助",
			ToolTimeout: 60 * time.Second,
		},
	}
}

// LoadDotEnv loads variables from the given .env files (".env" when none are
// named) without overriding variables already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load builds the configuration from defaults, the TOML file at path (if
// path is non-empty) and environment overrides, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *Config) Validate() error {
	return validate.Struct(c)
}

func (c *Config) applyEnv() {
	setString(&c.Server.Listen, "CLINICASSIST_LISTEN")
	setString(&c.Storage.SQLitePath, "CLINICASSIST_SQLITE_PATH")

	setString(&c.LLM.BaseURL, "CLINICASSIST_LLM_BASE_URL")
	setString(&c.LLM.Model, "LLM_MODEL", "CLINICASSIST_LLM_MODEL")
	setString(&c.LLM.APIKey, "DEEPSEEK_API_KEY", "DASHSCOPE_API_KEY", "CLINICASSIST_LLM_API_KEY")
	if v, ok := os.LookupEnv("CLINICASSIST_LLM_TEMPERATURE"); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			c.LLM.Temperature = f
		}
	}
	setDuration(&c.LLM.Timeout, "CLINICASSIST_LLM_TIMEOUT")

	setString(&c.Assistant.Name, "ASSISTANT_NAME")
	setString(&c.Assistant.PractitionerID, "PRACTITIONER_ID")
	setString(&c.Assistant.PractitionerName, "PRACTITIONER_NAME")
	setDuration(&c.Assistant.ToolTimeout, "CLINICASSIST_TOOL_TIMEOUT")

	if v, ok := os.LookupEnv("CLINICASSIST_DEBUG"); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			c.Debug = b
		}
	}
}

// setString assigns the value of the last set variable among keys.
func setString(dst *string, keys ...string) {
	for _, k := range keys {
		if v, ok := os.LookupEnv(k); ok && v != "" {
			*dst = v
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return
	}
	if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
		*dst = d
	}
}
