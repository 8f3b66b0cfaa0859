package tools

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/service"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/metrics"
	"github.com/wikimedia/mediawiki-extensions-ContentTransfer/tracing"
)

// HandlerRegistry provides type-safe tool registration by mapping
// tool names to their concrete handler implementations.
type HandlerRegistry struct {
	service *service.Service
	logger  *slog.Logger
}

// NewHandlerRegistry creates a new handler registry.
func NewHandlerRegistry(svc *service.Service, logger *slog.Logger) *HandlerRegistry {
	return &HandlerRegistry{
		service: svc,
		logger:  logger,
	}
}

// RegisterAll registers all tools with the MCP server.
func (h *HandlerRegistry) RegisterAll(server *mcp.Server) {
	registered := 0
	for _, spec := range AllTools {
		if h.registerByName(server, spec) {
			registered++
		}
	}
	h.logger.Info("Registered all tools", "count", registered)
}

// registerByName dispatches to the correct typed registration function.
func (h *HandlerRegistry) registerByName(server *mcp.Server, spec ToolSpec) bool {
	tool := h.buildTool(spec)

	switch spec.Method {
	case "ListTargets":
		return h.register(server, tool, spec, h.service.ListTargets)
	case "GetPages":
		return h.register(server, tool, spec, h.service.GetPages)
	case "PushInfo":
		return h.register(server, tool, spec, h.service.PushInfo)
	case "Push":
		return h.register(server, tool, spec, h.service.Push)
	case "Purge":
		return h.register(server, tool, spec, h.service.Purge)
	default:
		h.logger.Error("Unknown method, tool not registered", "method", spec.Method, "tool", spec.Name)
		return false
	}
}

// buildTool creates an mcp.Tool from a ToolSpec.
func (h *HandlerRegistry) buildTool(spec ToolSpec) *mcp.Tool {
	annotations := &mcp.ToolAnnotations{
		Title:          spec.Title,
		ReadOnlyHint:   spec.ReadOnly,
		IdempotentHint: spec.Idempotent,
	}
	// The protocol default for DestructiveHint is true
	annotations.DestructiveHint = ptr(spec.Destructive)
	if spec.OpenWorld {
		annotations.OpenWorldHint = ptr(true)
	}

	return &mcp.Tool{
		Name:        spec.Name,
		Description: spec.Description,
		Annotations: annotations,
	}
}

// register is a generic helper that registers a tool with the MCP server.
// It wraps the service method with panic recovery, metrics, tracing, and logging.
func register[Args, Result any](
	h *HandlerRegistry,
	server *mcp.Server,
	tool *mcp.Tool,
	spec ToolSpec,
	method func(context.Context, Args) (Result, error),
) {
	mcp.AddTool(server, tool, func(ctx context.Context, req *mcp.CallToolRequest, args Args) (_ *mcp.CallToolResult, _ Result, err error) {
		defer h.recoverPanic(spec.Name, &err)

		ctx, span := tracing.StartSpan(ctx, "mcp.tool."+spec.Name)
		defer span.End()

		tracing.AddToolAttributes(span, spec.Name, spec.Category)
		span.SetAttributes(attribute.Bool("mcp.tool.readonly", spec.ReadOnly))

		metrics.RequestInFlight.WithLabelValues(spec.Name).Inc()
		defer metrics.RequestInFlight.WithLabelValues(spec.Name).Dec()

		start := time.Now()
		result, err := method(ctx, args)
		duration := time.Since(start).Seconds()

		span.SetAttributes(attribute.Float64("mcp.tool.duration_seconds", duration))

		if err != nil {
			tracing.RecordError(span, err)
			metrics.RecordRequest(spec.Name, duration, false)
			var zero Result
			return nil, zero, fmt.Errorf("%s failed: %w", spec.Name, err)
		}

		span.SetStatus(codes.Ok, "")
		metrics.RecordRequest(spec.Name, duration, true)
		h.logExecution(spec, args, result)
		return nil, result, nil
	})
}

// recoverPanic turns a panic in a tool handler into a tool error.
func (h *HandlerRegistry) recoverPanic(toolName string, err *error) {
	if rec := recover(); rec != nil {
		metrics.PanicsRecovered.WithLabelValues(toolName).Inc()
		h.logger.Error("Panic recovered",
			"tool", toolName,
			"panic", rec,
			"stack", string(debug.Stack()))
		if err != nil {
			*err = fmt.Errorf("%s failed: internal error", toolName)
		}
	}
}

// logExecution logs tool execution details.
func (h *HandlerRegistry) logExecution(spec ToolSpec, args, result any) {
	attrs := []any{"tool", spec.Name}

	switch a := args.(type) {
	case service.GetPagesArgs:
		attrs = append(attrs, "category", a.Category, "titles", len(a.Titles), "target", a.Target)
	case service.PushInfoArgs:
		attrs = append(attrs, "targets", a.Targets, "include_related", a.IncludeRelated)
	case service.PushArgs:
		attrs = append(attrs, "targets", a.Targets, "include_related", a.IncludeRelated, "force", a.Force)
	case service.PurgeArgs:
		attrs = append(attrs, "target", a.Target)
	}

	switch r := result.(type) {
	case service.ListTargetsResult:
		attrs = append(attrs, "targets_count", len(r.Targets))
	case service.GetPagesResult:
		attrs = append(attrs, "pages", len(r.Pages), "total", r.Total)
	case service.PushInfoResult:
		attrs = append(attrs, "run_id", r.Plan.RunID, "planned", r.Plan.Len())
	case service.PushResult:
		attrs = append(attrs, "run_id", r.RunID, "succeeded", r.Succeeded, "failed", r.Failed, "stopped", r.Stopped)
	case service.PurgeResult:
		attrs = append(attrs, "purged", len(r.Purged))
	}

	h.logger.Info("Tool executed", attrs...)
}

// register dispatches a service method to the generic register by its type.
func (h *HandlerRegistry) register(server *mcp.Server, tool *mcp.Tool, spec ToolSpec, method any) bool {
	switch m := method.(type) {
	case func(context.Context, service.ListTargetsArgs) (service.ListTargetsResult, error):
		register(h, server, tool, spec, m)
	case func(context.Context, service.GetPagesArgs) (service.GetPagesResult, error):
		register(h, server, tool, spec, m)
	case func(context.Context, service.PushInfoArgs) (service.PushInfoResult, error):
		register(h, server, tool, spec, m)
	case func(context.Context, service.PushArgs) (service.PushResult, error):
		register(h, server, tool, spec, m)
	case func(context.Context, service.PurgeArgs) (service.PurgeResult, error):
		register(h, server, tool, spec, m)
	default:
		h.logger.Error("Unknown method type, tool not registered", "tool", spec.Name)
		return false
	}
	return true
}
