package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Supported MCP transports.
const (
	TransportStreamable = "streamable"
	TransportSSE        = "sse"
	TransportStdio      = "stdio"
)

// ServerConfig describes one MCP tool source.
type ServerConfig struct {
	Name      string
	Transport string
	Endpoint  string
	Command   string
	Args      []string
	Env       []string
}

// NewTransport builds the client transport for a server configuration.
func NewTransport(cfg ServerConfig) (mcp.Transport, error) {
	switch cfg.Transport {
	case TransportStreamable, "":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("mcp server %s: endpoint required", cfg.Name)
		}
		return &mcp.StreamableClientTransport{Endpoint: cfg.Endpoint}, nil
	case TransportSSE:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("mcp server %s: endpoint required", cfg.Name)
		}
		return &mcp.SSEClientTransport{Endpoint: cfg.Endpoint}, nil
	case TransportStdio:
		if cfg.Command == "" {
			return nil, fmt.Errorf("mcp server %s: command required", cfg.Name)
		}
		cmd := exec.Command(cfg.Command, cfg.Args...)
		cmd.Env = append(os.Environ(), cfg.Env...)
		return &mcp.CommandTransport{Command: cmd}, nil
	default:
		return nil, fmt.Errorf("mcp server %s: unknown transport %q", cfg.Name, cfg.Transport)
	}
}

// Hub holds client sessions to every connected MCP server, aggregates their
// tool lists and routes calls to the server that advertised the tool.
type Hub struct {
	client *mcp.Client
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*mcp.ClientSession
	order    []string
	owners   map[string]string
}

var (
	_ Invoker = (*Hub)(nil)
	_ Catalog = (*Hub)(nil)
)

// NewHub creates a Hub with no connections.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		client:   mcp.NewClient(&mcp.Implementation{Name: "clinicassist", Version: "v1.0.0"}, nil),
		logger:   logger,
		sessions: make(map[string]*mcp.ClientSession),
		owners:   make(map[string]string),
	}
}

// Connect opens a session to one tool source over transport.
func (h *Hub) Connect(ctx context.Context, name string, transport mcp.Transport) error {
	cs, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("connect mcp server %s: %w", name, err)
	}

	h.mu.Lock()
	if old, ok := h.sessions[name]; ok {
		_ = old.Close()
	} else {
		h.order = append(h.order, name)
	}
	h.sessions[name] = cs
	h.mu.Unlock()

	h.logger.Info("mcp server connected", zap.String("server", name))
	return nil
}

// ConnectAll connects every configured server concurrently. Servers that fail
// are logged and reported in the joined error; the others stay usable.
func (h *Hub) ConnectAll(ctx context.Context, servers []ServerConfig) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)

	for _, srv := range servers {
		g.Go(func() error {
			t, err := NewTransport(srv)
			if err == nil {
				err = h.Connect(ctx, srv.Name, t)
			}
			if err != nil {
				h.logger.Error("mcp server unavailable", zap.String("server", srv.Name), zap.Error(err))
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// Tools lists tools from every connected server concurrently. A server whose
// listing fails is skipped; its tools simply do not appear in the catalog.
func (h *Hub) Tools(ctx context.Context) ([]Spec, error) {
	h.mu.RLock()
	names := append([]string(nil), h.order...)
	sessions := make([]*mcp.ClientSession, len(names))
	for i, n := range names {
		sessions[i] = h.sessions[n]
	}
	h.mu.RUnlock()

	perSource := make([][]Spec, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i := range names {
		g.Go(func() error {
			specs, err := listTools(gctx, names[i], sessions[i])
			if err != nil {
				h.logger.Warn("failed to list mcp tools", zap.String("server", names[i]), zap.Error(err))
				return nil
			}
			perSource[i] = specs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []Spec
	owners := make(map[string]string)
	for _, specs := range perSource {
		for _, s := range specs {
			if _, dup := owners[s.Name]; dup {
				h.logger.Warn("duplicate tool name, keeping first source",
					zap.String("tool", s.Name),
					zap.String("source", s.Source),
				)
				continue
			}
			owners[s.Name] = s.Source
			all = append(all, s)
		}
	}

	h.mu.Lock()
	h.owners = owners
	h.mu.Unlock()

	h.logger.Debug("mcp tool catalog refreshed", zap.Int("tools", len(all)), zap.Int("servers", len(names)))
	return all, nil
}

func listTools(ctx context.Context, source string, cs *mcp.ClientSession) ([]Spec, error) {
	var specs []Spec
	params := &mcp.ListToolsParams{}
	for {
		res, err := cs.ListTools(ctx, params)
		if err != nil {
			return nil, err
		}
		for _, t := range res.Tools {
			specs = append(specs, Spec{
				Source:      source,
				Name:        t.Name,
				Description: t.Description,
				InputSchema: schemaMap(t.InputSchema),
			})
		}
		if res.NextCursor == "" {
			return specs, nil
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
}

// CallTool invokes name on the server that advertised it. An unknown name
// triggers one catalog refresh before giving up.
func (h *Hub) CallTool(ctx context.Context, name string, input map[string]any) (*mcp.CallToolResult, error) {
	cs, err := h.sessionFor(ctx, name)
	if err != nil {
		return nil, err
	}

	if input == nil {
		input = map[string]any{}
	}
	res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: input})
	if err != nil {
		return nil, fmt.Errorf("call tool %s: %w", name, err)
	}
	return res, nil
}

func (h *Hub) sessionFor(ctx context.Context, name string) (*mcp.ClientSession, error) {
	if cs := h.lookup(name); cs != nil {
		return cs, nil
	}
	if _, err := h.Tools(ctx); err != nil {
		return nil, err
	}
	if cs := h.lookup(name); cs != nil {
		return cs, nil
	}
	return nil, fmt.Errorf("unknown tool %q", name)
}

func (h *Hub) lookup(name string) *mcp.ClientSession {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if src, ok := h.owners[name]; ok {
		return h.sessions[src]
	}
	return nil
}

// Close closes every session.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	for _, name := range h.order {
		if err := h.sessions[name].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close mcp server %s: %w", name, err))
		}
	}
	h.sessions = make(map[string]*mcp.ClientSession)
	h.order = nil
	h.owners = make(map[string]string)
	return errors.Join(errs...)
}
