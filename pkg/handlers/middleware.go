package handlers

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
)

// WithRecovery wraps a tool handler with panic recovery. A panicking
// handler produces a structured tool error instead of tearing down the
// stdio session.
func WithRecovery(logger zerolog.Logger, tool string, next server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (result *mcp.CallToolResult, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().
					Str("tool", tool).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("Recovered from panic in tool handler")
				result = mcp.NewToolResultError("internal server error")
				err = nil
			}
		}()
		return next(ctx, request)
	}
}

// WithLogging wraps a tool handler with per-call logging.
func WithLogging(logger zerolog.Logger, tool string, next server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		result, err := next(ctx, request)
		duration := time.Since(start)

		event := logger.Info()
		if err != nil {
			event = logger.Error().Err(err)
		} else if result != nil && result.IsError {
			event = logger.Warn()
		}
		event.
			Str("tool", tool).
			Dur("duration", duration).
			Msg("Tool call")

		return result, err
	}
}
