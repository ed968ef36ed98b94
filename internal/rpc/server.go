// Package rpc exposes the request surface over the Model Context Protocol.
//
// The canonical binding is line-delimited JSON-RPC 2.0 on standard
// input/output, which the MCP stdio transport provides. Every tool is a
// thin, typed adapter over an engine, supervisor, registry, statistics or
// pronunciation operation; the method table is fixed at construction and
// filtered by the configured allow/deny lists.
//
// Nothing in this package may write to stdout: stdout carries the JSON-RPC
// stream. All diagnostics go through the injected slog handler.
package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/x85446/voicemode/internal/config"
	"github.com/x85446/voicemode/internal/converse"
	"github.com/x85446/voicemode/internal/pronounce"
	"github.com/x85446/voicemode/internal/registry"
	"github.com/x85446/voicemode/internal/session"
	"github.com/x85446/voicemode/internal/supervisor"
)

// Converser is the narrow engine capability the surface needs.
type Converser interface {
	Converse(ctx context.Context, req converse.Request) (*converse.Response, error)
	Cancel(sessionID string) bool
	Sessions() []converse.SessionInfo
}

// Services is the supervisor capability the surface needs.
type Services interface {
	Status(name supervisor.Name) (supervisor.Status, error)
	StatusAll() []supervisor.Status
	Start(ctx context.Context, name supervisor.Name) (supervisor.Status, error)
	Stop(ctx context.Context, name supervisor.Name) error
	Restart(ctx context.Context, name supervisor.Name) (supervisor.Status, error)
	Enable(name supervisor.Name) error
	Disable(name supervisor.Name) error
	Logs(name supervisor.Name, lines int) ([]string, error)
	Models() ([]supervisor.Model, error)
	ActiveModel() (string, error)
	SetActiveModel(name string) error
	InstallModel(ctx context.Context, name string) error
}

// Config assembles the dependencies of a Server.
type Config struct {
	Converser Converser
	Services  Services
	Registry  *registry.Registry
	Pronounce *pronounce.Engine

	// ProberFor builds a liveness prober for endpoints registered over RPC.
	ProberFor func(ep registry.Endpoint) registry.Prober

	// LogsDir is where the event JSONL files live, for statistics.summary.
	LogsDir string

	Tools   config.ToolsConfig
	Clock   session.Clock
	Logger  *slog.Logger
	Version string
}

// Server is the MCP request surface.
type Server struct {
	conv      Converser
	services  Services
	reg       *registry.Registry
	pron      *pronounce.Engine
	proberFor func(ep registry.Endpoint) registry.Prober
	logsDir   string
	clock     session.Clock
	logger    *slog.Logger

	srv *mcpsdk.Server
}

// New builds the surface with its full method table, minus anything the
// allow/deny lists exclude.
func New(cfg Config) *Server {
	s := &Server{
		conv:      cfg.Converser,
		services:  cfg.Services,
		reg:       cfg.Registry,
		pron:      cfg.Pronounce,
		proberFor: cfg.ProberFor,
		logsDir:   cfg.LogsDir,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}
	if s.clock == nil {
		s.clock = session.SystemClock{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	s.srv = mcpsdk.NewServer(&mcpsdk.Implementation{Name: "voicemode", Version: version}, nil)

	allowed := toolFilter(cfg.Tools)
	s.register(allowed)
	return s
}

// toolFilter compiles the allow/deny lists into a predicate. A non-empty
// enabled list wins; otherwise everything not disabled is exposed.
func toolFilter(tc config.ToolsConfig) func(name string) bool {
	return func(name string) bool {
		if len(tc.Enabled) > 0 {
			return slices.Contains(tc.Enabled, name)
		}
		return !slices.Contains(tc.Disabled, name)
	}
}

func addTool[In, Out any](s *Server, allowed func(string) bool, name, desc string,
	h func(ctx context.Context, in In) (Out, error)) {
	if !allowed(name) {
		s.logger.Debug("rpc: tool disabled by configuration", "tool", name)
		return
	}
	mcpsdk.AddTool(s.srv, &mcpsdk.Tool{Name: name, Description: desc},
		func(ctx context.Context, _ *mcpsdk.CallToolRequest, in In) (*mcpsdk.CallToolResult, Out, error) {
			out, err := h(ctx, in)
			if err != nil {
				var zero Out
				s.logger.Warn("rpc: tool failed", "tool", name, "kind", kindOf(err), "err", err)
				return errorResult(err), zero, nil
			}
			return nil, out, nil
		})
}

// Run serves the surface over stdio until ctx is cancelled or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("rpc: serving on stdio")
	if err := s.srv.Run(ctx, &mcpsdk.StdioTransport{}); err != nil && ctx.Err() == nil {
		return fmt.Errorf("rpc: stdio server: %w", err)
	}
	return nil
}

// statsDay parses an optional YYYYMMDD date, defaulting to today.
func (s *Server) statsDay(date string) (time.Time, error) {
	if date == "" {
		return s.clock.Now(), nil
	}
	day, err := time.ParseInLocation("20060102", date, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q is not YYYYMMDD", converse.ErrInvalidRequest, date)
	}
	return day, nil
}
