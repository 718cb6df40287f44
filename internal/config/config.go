package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"text/template"
	"time"

	_ "embed"

	"github.com/caarlos0/env/v9"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/dotcommander/yagent/internal/errs"
)

//go:embed config_template.yml
var configTemplate string

const (
	appName             = "yagent"
	envPrefix           = "YAGENT_"
	defaultEndpointPath = "/chat/completions"
	defaultMaxTokens    = 4096
)

// serverNamespace seeds ids for MCP servers configured without one, so the
// same name always gets the same id.
var serverNamespace = uuid.MustParse("6f1c2a4e-9a43-4c61-8d1e-3f4b5a7e2c10")

// Endpoint is a model endpoint agents can talk to.
type Endpoint struct {
	ID             string  `yaml:"-"`
	Model          string  `yaml:"model"`
	APIKey         string  `yaml:"api-key"`
	APIKeyEnv      string  `yaml:"api-key-env"`
	APIKeyCmd      string  `yaml:"api-key-cmd"`
	BaseURL        string  `yaml:"base-url"`
	Path           string  `yaml:"endpoint"`
	Provider       string  `yaml:"provider"`
	RateLimit      float64 `yaml:"rate-limit"`
	ThinkingBudget int     `yaml:"thinking-budget,omitempty"`
}

// URL is the address requests are posted to.
func (e Endpoint) URL() string {
	path := e.Path
	if path == "" {
		path = defaultEndpointPath
	}
	return strings.TrimRight(e.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
}

// Native reports whether the endpoint is served by a provider SDK instead of
// the plain chat-completions pipeline.
func (e Endpoint) Native() bool {
	switch e.Provider {
	case "", "http", "openai-compatible":
		return false
	default:
		return true
	}
}

// Endpoints is a list of endpoints that keeps the settings file order.
type Endpoints []Endpoint

// UnmarshalYAML implements sorted endpoint YAML decoding.
func (eps *Endpoints) UnmarshalYAML(node *yaml.Node) error {
	for i := 0; i+1 < len(node.Content); i += 2 {
		var ep Endpoint
		if err := node.Content[i+1].Decode(&ep); err != nil {
			return fmt.Errorf("error decoding YAML file: %s", err)
		}
		ep.ID = node.Content[i].Value
		*eps = append(*eps, ep)
	}
	return nil
}

// Agent is a persona bound to an endpoint and a set of MCP servers.
type Agent struct {
	ID            string   `yaml:"-"`
	Name          string   `yaml:"name"`
	SystemPrompt  string   `yaml:"system-prompt"`
	Endpoint      string   `yaml:"endpoint"`
	Temperature   float64  `yaml:"temperature"`
	TopP          *float64 `yaml:"top-p"`
	MaxTokens     int64    `yaml:"max-tokens"`
	ContextWindow int      `yaml:"context-window"`
	Servers       []string `yaml:"mcp-servers"`
	Conversations []string `yaml:"conversations,omitempty"`
}

// MCPServer holds configuration for an MCP server.
type MCPServer struct {
	ID      string        `yaml:"id"`
	Name    string        `yaml:"-"`
	Type    string        `yaml:"type"`
	Command string        `yaml:"command"`
	Env     []string      `yaml:"env"`
	Args    []string      `yaml:"args"`
	URL     string        `yaml:"url"`
	Host    string        `yaml:"host"`
	Port    int           `yaml:"port"`
	BaseURL string        `yaml:"base-url"`
	Path    string        `yaml:"endpoint"`
	Active  *bool         `yaml:"active"`
	Timeout time.Duration `yaml:"timeout"`
}

// Address returns the URL of a network server.
func (s MCPServer) Address() string {
	if s.URL != "" {
		return s.URL
	}
	host := s.Host
	if host == "" {
		host = "localhost"
	}
	addr := "http://" + host
	if s.Port > 0 {
		addr += ":" + strconv.Itoa(s.Port)
	}
	return addr + s.BaseURL + s.Path
}

// Logger configures structured logging.
type Logger struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
	Path   string `yaml:"path" env:"LOG_PATH"`
}

// Breaker configures the per-server circuit breaker.
type Breaker struct {
	MaxFailures uint32        `yaml:"max-failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// Serve configures the HTTP API.
type Serve struct {
	Addr string `yaml:"addr" env:"SERVE_ADDR"`
}

// Settings holds persisted configuration loaded from the YAML settings file
// and environment variables.
type Settings struct {
	DefaultAgent    string               `yaml:"default-agent" env:"AGENT"`
	Endpoints       Endpoints            `yaml:"endpoints"`
	Agents          map[string]Agent     `yaml:"agents"`
	MCPServers      map[string]MCPServer `yaml:"mcp-servers"`
	MCPDisable      []string             `yaml:"mcp-disable" env:"MCP_DISABLE"`
	MCPTimeout      time.Duration        `yaml:"mcp-timeout" env:"MCP_TIMEOUT"`
	MCPNoInheritEnv bool                 `yaml:"mcp-no-inherit-env" env:"MCP_NO_INHERIT_ENV"`
	MaxRetries      int                  `yaml:"max-retries" env:"MAX_RETRIES"`
	RetryDelay      time.Duration        `yaml:"retry-delay" env:"RETRY_DELAY"`
	MaxToolRounds   int                  `yaml:"max-tool-rounds" env:"MAX_TOOL_ROUNDS"`
	ConnectTimeout  time.Duration        `yaml:"connect-timeout" env:"CONNECT_TIMEOUT"`
	RequestTimeout  time.Duration        `yaml:"request-timeout" env:"REQUEST_TIMEOUT"`
	HTTPProxy       string               `yaml:"http-proxy" env:"HTTP_PROXY"`
	CachePath       string               `yaml:"cache-path" env:"CACHE_PATH"`
	NoCache         bool                 `yaml:"no-cache" env:"NO_CACHE"`
	Raw             bool                 `yaml:"raw" env:"RAW"`
	Quiet           bool                 `yaml:"quiet" env:"QUIET"`
	WordWrap        int                  `yaml:"word-wrap" env:"WORD_WRAP"`
	Logger          Logger               `yaml:"logger"`
	Breaker         Breaker              `yaml:"breaker"`
	Serve           Serve                `yaml:"serve"`
}

// Runtime holds CLI/runtime-only options that should not be loaded from the
// settings file.
type Runtime struct {
	SettingsPath string
	Agent        string
	Prompt       string
	Continue     string
	ContinueLast bool
	Title        string
	OpenEditor   bool
}

// Config is the application configuration (settings + runtime-only options).
//
// Settings fields are promoted for ergonomic access, but runtime fields are
// explicitly excluded from YAML/env parsing.
type Config struct {
	Settings `yaml:",inline"`
	Runtime  `yaml:"-" env:"-"`
}

// Ensure loads settings from disk and environment and applies defaults.
//
// It also creates the default settings file if it does not exist.
func Ensure() (Config, error) {
	var c Config
	home, err := os.UserHomeDir()
	if err != nil {
		return c, errs.Error{Err: err, Reason: "Could not determine home directory."}
	}

	sp := filepath.Join(home, ".config", appName, appName+".yml")
	c.SettingsPath = sp

	if dirErr := os.MkdirAll(filepath.Dir(sp), 0o700); dirErr != nil {
		return c, errs.Error{Err: dirErr, Reason: "Could not create config directory."}
	}
	if err := WriteConfigFile(sp); err != nil {
		return c, err
	}

	if err := Load(&c, sp); err != nil {
		return c, err
	}

	if c.CachePath == "" {
		c.CachePath = filepath.Join(home, ".config", appName, "history")
	}
	if err := os.MkdirAll(filepath.Join(c.CachePath, "conversations"), 0o700); err != nil {
		return c, errs.Error{Err: err, Reason: "Could not create cache directory."}
	}
	return c, nil
}

// Load reads the settings file at path into c, overlays the environment,
// merges the agents directory and normalizes the result.
func Load(c *Config, path string) error {
	c.SettingsPath = path
	content, err := os.ReadFile(path)
	if err != nil {
		return errs.Error{Err: err, Reason: "Could not read settings file."}
	}
	if err := yaml.Unmarshal(content, c); err != nil {
		return errs.Error{Err: err, Reason: "Could not parse settings file."}
	}
	if err := env.ParseWithOptions(c, env.Options{Prefix: envPrefix}); err != nil {
		return errs.Error{Err: err, Reason: "Could not parse environment into settings file."}
	}
	if err := MergeAgentsFromDir(c); err != nil {
		return errs.Error{Err: err, Reason: "Could not load agents from agents directory."}
	}
	c.normalize()
	return c.Validate()
}

func (c *Config) normalize() {
	def := Default()
	if c.WordWrap == 0 {
		c.WordWrap = def.WordWrap
	}
	if c.MCPTimeout == 0 {
		c.MCPTimeout = def.MCPTimeout
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.Logger.Level == "" {
		c.Logger.Level = def.Logger.Level
	}
	if c.Logger.Format == "" {
		c.Logger.Format = def.Logger.Format
	}
	if c.Serve.Addr == "" {
		c.Serve.Addr = def.Serve.Addr
	}

	for name, srv := range c.MCPServers {
		srv.Name = name
		if srv.ID == "" {
			srv.ID = uuid.NewSHA1(serverNamespace, []byte(name)).String()
		}
		if srv.Type == "" {
			srv.Type = "stdio"
		}
		if srv.Timeout == 0 {
			srv.Timeout = c.MCPTimeout
		}
		c.MCPServers[name] = srv
	}
	for id, a := range c.Agents {
		a.ID = id
		if a.Name == "" {
			a.Name = id
		}
		if a.MaxTokens == 0 {
			a.MaxTokens = defaultMaxTokens
		}
		c.Agents[id] = a
	}
}

// Validate checks that agents only reference known endpoints and servers.
func (c *Config) Validate() error {
	for _, id := range c.AgentIDs() {
		a := c.Agents[id]
		if _, err := c.Endpoint(a.Endpoint); err != nil {
			return errs.Wrapf(err, "Agent %q uses an unknown endpoint.", id)
		}
		for _, name := range a.Servers {
			if _, ok := c.MCPServers[name]; !ok {
				return errs.Wrapf(
					errs.UserErrorf("mcp server %q is not configured", name),
					"Agent %q mounts an unknown MCP server.", id,
				)
			}
		}
	}
	return nil
}

// AgentIDs returns the configured agent ids in stable order.
func (c *Config) AgentIDs() []string {
	ids := make([]string, 0, len(c.Agents))
	for id := range c.Agents {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Agent looks up an agent by id. An empty id selects the default agent.
func (c *Config) Agent(id string) (Agent, error) {
	if id == "" {
		id = c.DefaultAgent
	}
	if id == "" && len(c.Agents) == 1 {
		id = c.AgentIDs()[0]
	}
	a, ok := c.Agents[id]
	if !ok {
		return Agent{}, errs.Error{
			Err:    errs.UserErrorf("Available agents are: %s", strings.Join(c.AgentIDs(), ", ")),
			Reason: fmt.Sprintf("Agent %q is not in the settings file.", id),
		}
	}
	return a, nil
}

// Endpoint looks up a model endpoint by id.
func (c *Config) Endpoint(id string) (Endpoint, error) {
	for _, ep := range c.Endpoints {
		if ep.ID == id {
			return ep, nil
		}
	}
	return Endpoint{}, errs.Error{
		Err:    errs.UserErrorf("endpoint %q is not configured", id),
		Reason: fmt.Sprintf("Endpoint %q is not in the settings file.", id),
	}
}

// IsActive reports whether the named MCP server should be connected.
func (c *Config) IsActive(name string) bool {
	if slices.Contains(c.MCPDisable, "*") || slices.Contains(c.MCPDisable, name) {
		return false
	}
	srv, ok := c.MCPServers[name]
	return ok && (srv.Active == nil || *srv.Active)
}

// ActiveServers returns every active MCP server, sorted by name.
func (c *Config) ActiveServers() []MCPServer {
	names := make([]string, 0, len(c.MCPServers))
	for name := range c.MCPServers {
		if c.IsActive(name) {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	servers := make([]MCPServer, 0, len(names))
	for _, name := range names {
		servers = append(servers, c.MCPServers[name])
	}
	return servers
}

// ServersFor returns the active servers mounted by the agent.
func (c *Config) ServersFor(a Agent) []MCPServer {
	var servers []MCPServer
	for _, srv := range c.ActiveServers() {
		if slices.Contains(a.Servers, srv.Name) {
			servers = append(servers, srv)
		}
	}
	return servers
}

// ServerIDs maps the agent's mounted server names to their ids.
func (c *Config) ServerIDs(a Agent) []string {
	ids := make([]string, 0, len(a.Servers))
	for _, name := range a.Servers {
		if srv, ok := c.MCPServers[name]; ok {
			ids = append(ids, srv.ID)
		}
	}
	return ids
}

// MergeAgentsFromDir merges agent definitions from ~/.config/yagent/agents
// into cfg.
//
// A YAML file holds a full agent definition; any other markdown file becomes
// an agent on the default agent's endpoint with the file as system prompt.
// Agents from the settings file win over agents from the directory.
func MergeAgentsFromDir(cfg *Config) error {
	agentsDir := filepath.Join(filepath.Dir(cfg.SettingsPath), "agents")
	agents, err := readAgentsFromDir(agentsDir, cfg.defaultEndpoint())
	if err != nil {
		return err
	}
	if len(agents) == 0 {
		return nil
	}
	if cfg.Agents == nil {
		cfg.Agents = map[string]Agent{}
	}
	for name, a := range agents {
		if _, exists := cfg.Agents[name]; exists {
			continue
		}
		cfg.Agents[name] = a
	}
	return nil
}

func (c *Config) defaultEndpoint() string {
	if a, ok := c.Agents[c.DefaultAgent]; ok {
		return a.Endpoint
	}
	if len(c.Endpoints) > 0 {
		return c.Endpoints[0].ID
	}
	return ""
}

func readAgentsFromDir(dir, endpoint string) (map[string]Agent, error) {
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("read agents directory %q: %w", dir, err)
	}

	agents := map[string]Agent{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".md" && ext != ".yml" && ext != ".yaml" {
			return nil
		}

		relPath, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return fmt.Errorf("resolve agent path %q: %w", path, relErr)
		}
		name := strings.TrimSuffix(filepath.ToSlash(relPath), filepath.Ext(relPath))
		if name == "" {
			return nil
		}

		a, agentErr := agentFromFile(path, endpoint)
		if agentErr != nil {
			return fmt.Errorf("agent file %q: %w", relPath, agentErr)
		}
		agents[name] = a
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read agents directory %q: %w", dir, err)
	}
	return agents, nil
}

func agentFromFile(path, endpoint string) (Agent, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".md" {
		return Agent{Endpoint: endpoint, SystemPrompt: "file://" + path}, nil
	}

	bts, err := os.ReadFile(path)
	if err != nil {
		return Agent{}, fmt.Errorf("read agent file %q: %w", path, err)
	}
	var a Agent
	if err := yaml.Unmarshal(bts, &a); err != nil {
		return Agent{}, fmt.Errorf("must be a YAML agent definition: %w", err)
	}
	if a.Endpoint == "" {
		a.Endpoint = endpoint
	}
	return a, nil
}

// WriteConfigFile creates the config file at path if it does not exist.
func WriteConfigFile(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return createConfigFile(path)
	} else if err != nil {
		return errs.Error{Err: err, Reason: "Could not stat path."}
	}
	return nil
}

func createConfigFile(path string) error {
	tmpl := template.Must(template.New("config").Parse(configTemplate))

	f, err := os.Create(path)
	if err != nil {
		return errs.Error{Err: err, Reason: "Could not create configuration file."}
	}
	defer func() { _ = f.Close() }()

	m := struct{ Config Config }{Config: Default()}
	if err := tmpl.Execute(f, m); err != nil {
		return errs.Error{Err: err, Reason: "Could not render template."}
	}
	return nil
}

// Default returns the default configuration values.
//
// There is deliberately no default for MaxToolRounds.
func Default() Config {
	return Config{
		Settings: Settings{
			MCPTimeout:     15 * time.Second,
			ConnectTimeout: 10 * time.Second,
			RequestTimeout: 2 * time.Minute,
			WordWrap:       80,
			Logger:         Logger{Level: "warn", Format: "console"},
			Serve:          Serve{Addr: "127.0.0.1:8484"},
		},
	}
}
