package mcp

import (
	"context"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/voxgate/internal/audit"
	"github.com/ppiankov/voxgate/internal/model"
)

// Gateway executes commands and state reads under policy.
// *dispatch.Dispatcher implements it.
type Gateway interface {
	Dispatch(ctx context.Context, cmd model.Command) model.Outcome
	EntityState(ctx context.Context, entityID string) model.Outcome
}

// AuditSource answers recent-decision queries.
type AuditSource interface {
	Recent(limit int) []audit.Entry
}

// Server exposes the gateway as MCP tools for the voice assistant.
type Server struct {
	mcpServer *mcpsdk.Server
	gateway   Gateway
	trail     AuditSource
	logger    *slog.Logger
}

// New creates an MCP server with the gateway tools registered.
func New(gateway Gateway, trail AuditSource, version string) *Server {
	s := &Server{
		gateway: gateway,
		trail:   trail,
		logger:  slog.Default().With("component", "mcp"),
	}

	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "voxgate",
			Version: version,
		},
		nil,
	)

	s.registerTools()
	return s
}

// Run serves MCP on stdio. Blocks until ctx is cancelled or the peer disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// registerTools adds all gateway tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name: "control_device",
		Description: "Run a home-automation service call (domain, action, entity_ids, params). " +
			"High-risk commands return confirmation_required with a prompt; ask the user, then call again with confirmed=true.",
	}, s.handleControl)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "entity_state",
		Description: "Read the current state of one entity, e.g. sensor.hall_temperature.",
	}, s.handleEntityState)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "recent_audit",
		Description: "List recent authorization decisions and execution results, most recent last.",
	}, s.handleRecentAudit)
}
