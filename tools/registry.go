// Package tools registers the network-management operations as MCP tools.
//
// Every tool answers with the same JSON envelope: {"ok":true,"data":...} on
// success and {"ok":false,"error":"..."} (flagged isError) on failure.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"netgate/controller"
)

// NetworkController is the subset of the controller client the tools need.
type NetworkController interface {
	ListClients(ctx context.Context) ([]controller.NetworkClient, error)
	ListDevices(ctx context.Context) ([]controller.Device, error)
	Health(ctx context.Context) ([]controller.Subsystem, error)
	Events(ctx context.Context, limit int) ([]controller.Event, error)
	BlockClient(ctx context.Context, mac string) error
	UnblockClient(ctx context.Context, mac string) error
	ReconnectClient(ctx context.Context, mac string) error
	RestartDevice(ctx context.Context, mac string) error
}

type toolHandler = server.ToolHandlerFunc

type definition struct {
	tool    mcp.Tool
	handler toolHandler
}

// Registry builds tool-dispatch servers bound to one controller.
type Registry struct {
	ctrl    NetworkController
	logger  *slog.Logger
	name    string
	version string
}

// NewRegistry creates a registry. ctrl may be nil; tools then report the
// controller as not configured.
func NewRegistry(ctrl NetworkController, logger *slog.Logger, name, version string) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if name == "" {
		name = "netgate"
	}
	if version == "" {
		version = "dev"
	}
	return &Registry{ctrl: ctrl, logger: logger, name: name, version: version}
}

// NewServer returns a fresh MCP server instance with every tool registered.
func (r *Registry) NewServer() *server.MCPServer {
	s := server.NewMCPServer(
		r.name,
		r.version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	for _, def := range r.definitions() {
		s.AddTool(def.tool, def.handler)
	}
	return s
}

// Names lists the registered tool names.
func (r *Registry) Names() []string {
	defs := r.definitions()
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.tool.Name)
	}
	return names
}

func (r *Registry) definitions() []definition {
	macArg := func(what string) mcp.ToolOption {
		return mcp.WithString("mac", mcp.Required(), mcp.Description("MAC address of the "+what))
	}
	return []definition{
		{
			tool: mcp.NewTool("list_clients",
				mcp.WithDescription("List clients currently connected to the network"),
				mcp.WithReadOnlyHintAnnotation(true),
			),
			handler: r.read("list_clients", func(ctx context.Context, _ mcp.CallToolRequest) (any, error) {
				return r.ctrl.ListClients(ctx)
			}),
		},
		{
			tool: mcp.NewTool("list_devices",
				mcp.WithDescription("List adopted network devices (gateways, switches, access points)"),
				mcp.WithReadOnlyHintAnnotation(true),
			),
			handler: r.read("list_devices", func(ctx context.Context, _ mcp.CallToolRequest) (any, error) {
				return r.ctrl.ListDevices(ctx)
			}),
		},
		{
			tool: mcp.NewTool("get_health",
				mcp.WithDescription("Show health of each network subsystem"),
				mcp.WithReadOnlyHintAnnotation(true),
			),
			handler: r.read("get_health", func(ctx context.Context, _ mcp.CallToolRequest) (any, error) {
				return r.ctrl.Health(ctx)
			}),
		},
		{
			tool: mcp.NewTool("list_events",
				mcp.WithDescription("List recent controller events, newest first"),
				mcp.WithNumber("limit", mcp.Description("Maximum number of events (1-500, default 50)")),
				mcp.WithReadOnlyHintAnnotation(true),
			),
			handler: r.read("list_events", func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
				return r.ctrl.Events(ctx, req.GetInt("limit", 50))
			}),
		},
		{
			tool: mcp.NewTool("block_client",
				mcp.WithDescription("Block a client from the network"),
				macArg("client"),
				mcp.WithDestructiveHintAnnotation(true),
			),
			handler: r.action("block_client", func(ctrl NetworkController) func(context.Context, string) error { return ctrl.BlockClient }),
		},
		{
			tool: mcp.NewTool("unblock_client",
				mcp.WithDescription("Unblock a previously blocked client"),
				macArg("client"),
			),
			handler: r.action("unblock_client", func(ctrl NetworkController) func(context.Context, string) error { return ctrl.UnblockClient }),
		},
		{
			tool: mcp.NewTool("reconnect_client",
				mcp.WithDescription("Force a wireless client to reconnect"),
				macArg("client"),
			),
			handler: r.action("reconnect_client", func(ctrl NetworkController) func(context.Context, string) error { return ctrl.ReconnectClient }),
		},
		{
			tool: mcp.NewTool("restart_device",
				mcp.WithDescription("Restart a network device"),
				macArg("device"),
				mcp.WithDestructiveHintAnnotation(true),
			),
			handler: r.action("restart_device", func(ctrl NetworkController) func(context.Context, string) error { return ctrl.RestartDevice }),
		},
	}
}

func (r *Registry) read(name string, fetch func(context.Context, mcp.CallToolRequest) (any, error)) toolHandler {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if r.ctrl == nil {
			return controllerFailure(controller.ErrNotConfigured), nil
		}
		data, err := fetch(ctx, req)
		if err != nil {
			r.logger.Warn("tool failed", "tool", name, "actor", ActorFromContext(ctx), "error", err)
			return controllerFailure(err), nil
		}
		return success(data), nil
	}
}

func (r *Registry) action(name string, pick func(NetworkController) func(context.Context, string) error) toolHandler {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		rawMAC, err := req.RequireString("mac")
		if err != nil {
			return failure(err), nil
		}
		mac, err := NormalizeMAC(rawMAC)
		if err != nil {
			return failure(err), nil
		}
		if r.ctrl == nil {
			return controllerFailure(controller.ErrNotConfigured), nil
		}
		if err := pick(r.ctrl)(ctx, mac); err != nil {
			r.logger.Warn("tool failed", "tool", name, "mac", mac, "actor", ActorFromContext(ctx), "error", err)
			return controllerFailure(err), nil
		}
		r.logger.Info("tool action", "tool", name, "mac", mac, "actor", ActorFromContext(ctx))
		return success(map[string]string{"mac": mac, "action": name}), nil
	}
}

// NormalizeMAC validates a 48-bit MAC address and returns it lower-case and colon separated.
func NormalizeMAC(raw string) (string, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(raw))
	if err != nil || len(hw) != 6 {
		return "", fmt.Errorf("invalid mac address %q", raw)
	}
	return hw.String(), nil
}

type envelope struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func success(data any) *mcp.CallToolResult {
	b, err := json.Marshal(envelope{OK: true, Data: data})
	if err != nil {
		return failure(fmt.Errorf("encode result: %w", err))
	}
	return mcp.NewToolResultText(string(b))
}

// failure reports a caller mistake such as a bad argument.
func failure(err error) *mcp.CallToolResult {
	return errorResult(err.Error())
}

// controllerFailure reports an upstream error without its transport detail.
func controllerFailure(err error) *mcp.CallToolResult {
	var statusErr *controller.StatusError
	switch {
	case errors.Is(err, controller.ErrNotConfigured):
		return errorResult("network controller is not configured")
	case errors.As(err, &statusErr):
		return errorResult(fmt.Sprintf("controller request failed (status %d)", statusErr.StatusCode))
	default:
		return errorResult("controller unreachable")
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	b, _ := json.Marshal(envelope{OK: false, Error: msg})
	return mcp.NewToolResultError(string(b))
}

type actorKey struct{}

// WithActor records the authenticated user on ctx for tool logging.
func WithActor(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, actorKey{}, user)
}

// ActorFromContext returns the user recorded by WithActor.
func ActorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok {
		return v
	}
	return ""
}
