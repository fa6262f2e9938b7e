// Package handlers exposes the server's operations as MCP tools.
package handlers

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/matpb/mysql-mcp-server/pkg/errors"
	"github.com/matpb/mysql-mcp-server/pkg/models"
	"github.com/matpb/mysql-mcp-server/pkg/services"
)

// ToolHandler serves the MCP tool surface. Rejections and failures are
// returned as structured tool errors, never as protocol faults: a request
// is never silently dropped.
type ToolHandler struct {
	query    services.QueryService
	metadata services.MetadataService
	logger   zerolog.Logger
}

// NewToolHandler creates a tool handler.
func NewToolHandler(query services.QueryService, metadata services.MetadataService, logger zerolog.Logger) *ToolHandler {
	return &ToolHandler{
		query:    query,
		metadata: metadata,
		logger:   logger,
	}
}

// NewServer creates an MCP server with all tools registered.
func NewServer(h *ToolHandler, version string) *server.MCPServer {
	srv := server.NewMCPServer(
		"mysql-mcp-server",
		version,
		server.WithToolCapabilities(true),
	)
	h.Register(srv)
	return srv
}

// Register adds the tool set to an MCP server, wrapping every handler with
// recovery and request logging.
func (h *ToolHandler) Register(srv *server.MCPServer) {
	wrap := func(name string, fn server.ToolHandlerFunc) server.ToolHandlerFunc {
		return WithRecovery(h.logger, name, WithLogging(h.logger, name, fn))
	}

	querySchema, _ := json.Marshal(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"sql": map[string]string{
				"type":        "string",
				"description": "The SQL query to execute (SELECT, SHOW, DESCRIBE, DESC, EXPLAIN, WITH, SET @)",
			},
			"max_rows": map[string]string{
				"type":        "integer",
				"description": "Optional row cap overriding the configured default",
			},
		},
		"required": []string{"sql"},
	})
	srv.AddTool(
		mcp.NewToolWithRawSchema("mysql_query",
			"Execute a read-only SQL query against the connected MySQL database", querySchema),
		wrap("mysql_query", h.HandleQuery),
	)

	listSchema, _ := json.Marshal(map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	})
	srv.AddTool(
		mcp.NewToolWithRawSchema("mysql_list_tables",
			"List all tables in the connected database", listSchema),
		wrap("mysql_list_tables", h.HandleListTables),
	)

	describeSchema, _ := json.Marshal(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"table": map[string]string{
				"type":        "string",
				"description": "Name of the table to describe (letters, digits, underscores)",
			},
		},
		"required": []string{"table"},
	})
	srv.AddTool(
		mcp.NewToolWithRawSchema("mysql_describe_table",
			"Describe a table: columns, indexes, and table status", describeSchema),
		wrap("mysql_describe_table", h.HandleDescribeTable),
	)
}

// queryResponse is the wire shape of a successful mysql_query call.
type queryResponse struct {
	Columns   []string     `json:"columns"`
	Rows      []models.Row `json:"rows"`
	RowCount  int          `json:"row_count"`
	Truncated bool         `json:"truncated"`
	ElapsedMs int64        `json:"elapsed_ms"`
}

// HandleQuery serves the mysql_query tool.
func (h *ToolHandler) HandleQuery(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	sqlText, ok := args["sql"].(string)
	if !ok || sqlText == "" {
		return mcp.NewToolResultError("missing or invalid 'sql' argument"), nil
	}

	req := &models.QueryRequest{Query: sqlText}
	if maxRows, ok := numberArg(args, "max_rows"); ok {
		req.MaxRows = maxRows
	}

	queryID := uuid.NewString()
	h.logger.Debug().Str("query_id", queryID).Msg("Handling query tool call")

	result, err := h.query.ExecuteQuery(ctx, req)
	if err != nil {
		return toolError(err), nil
	}

	return toolJSON(queryResponse{
		Columns:   result.Columns,
		Rows:      result.Rows,
		RowCount:  result.RowCount,
		Truncated: result.Truncated,
		ElapsedMs: result.ExecutionTime.Milliseconds(),
	})
}

// HandleListTables serves the mysql_list_tables tool.
func (h *ToolHandler) HandleListTables(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list, err := h.metadata.ListTables(ctx)
	if err != nil {
		return toolError(err), nil
	}
	return toolJSON(list)
}

// HandleDescribeTable serves the mysql_describe_table tool.
func (h *ToolHandler) HandleDescribeTable(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	table, ok := args["table"].(string)
	if !ok || table == "" {
		return mcp.NewToolResultError("missing or invalid 'table' argument"), nil
	}

	desc, err := h.metadata.DescribeTable(ctx, table)
	if err != nil {
		return toolError(err), nil
	}
	return toolJSON(desc)
}

// toolJSON encodes a payload as pretty-printed JSON text content.
func toolJSON(payload interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return mcp.NewToolResultError("failed to encode result: " + err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// toolError renders an error as a structured tool failure carrying the
// machine-checkable code alongside the human-readable message.
func toolError(err error) *mcp.CallToolResult {
	payload, encodeErr := json.Marshal(map[string]interface{}{
		"code":    errors.CodeOf(err),
		"message": err.Error(),
	})
	if encodeErr != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultError(string(payload))
}

func numberArg(args map[string]interface{}, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	default:
		return 0, false
	}
}
