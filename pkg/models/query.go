// Package models contains domain models shared across services and handlers.
package models

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

// SanitizationResult is the outcome of query admission.
// Invariant: Valid == false implies Sanitized == ""; Valid == true implies
// Sanitized is non-empty, free of SQL comments, and carries no trailing
// semicolon.
type SanitizationResult struct {
	Valid     bool   `json:"valid"`
	Error     string `json:"error,omitempty"`
	Sanitized string `json:"sanitized_query,omitempty"`
}

// QueryRequest represents a query execution request.
type QueryRequest struct {
	Query   string        `json:"query"`
	MaxRows int           `json:"max_rows,omitempty"` // 0 means use the configured default
	Timeout time.Duration `json:"timeout,omitempty"`
}

// QueryResult represents a query execution result.
type QueryResult struct {
	Query         string        `json:"query"`
	Columns       []string      `json:"columns"`
	Rows          []Row         `json:"rows"`
	RowCount      int           `json:"row_count"`
	Truncated     bool          `json:"truncated"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// Row is an ordered sequence of cells matching QueryResult.Columns.
type Row []Cell

// CellType tags the runtime type of a cell value.
type CellType int

const (
	CellNull CellType = iota
	CellString
	CellInt
	CellFloat
	CellBool
	CellBytes
	CellTime
)

// String returns the string representation of the cell type.
func (t CellType) String() string {
	switch t {
	case CellNull:
		return "null"
	case CellString:
		return "string"
	case CellInt:
		return "integer"
	case CellFloat:
		return "float"
	case CellBool:
		return "boolean"
	case CellBytes:
		return "bytes"
	case CellTime:
		return "timestamp"
	default:
		return "unknown"
	}
}

// Cell is a single typed value. Exactly one value field is meaningful,
// selected by Type, so encoding to JSON is a total function.
type Cell struct {
	Type  CellType
	Str   string
	Int   int64
	Float float64
	Bool  bool
	Bytes []byte
	Time  time.Time
}

// NullCell returns a cell holding SQL NULL.
func NullCell() Cell { return Cell{Type: CellNull} }

// StringCell returns a string-valued cell.
func StringCell(v string) Cell { return Cell{Type: CellString, Str: v} }

// IntCell returns an integer-valued cell.
func IntCell(v int64) Cell { return Cell{Type: CellInt, Int: v} }

// FloatCell returns a float-valued cell.
func FloatCell(v float64) Cell { return Cell{Type: CellFloat, Float: v} }

// BoolCell returns a boolean-valued cell.
func BoolCell(v bool) Cell { return Cell{Type: CellBool, Bool: v} }

// BytesCell returns a byte-sequence cell.
func BytesCell(v []byte) Cell { return Cell{Type: CellBytes, Bytes: v} }

// TimeCell returns a timestamp cell.
func TimeCell(v time.Time) Cell { return Cell{Type: CellTime, Time: v} }

// Value returns the cell value as a plain Go value suitable for JSON encoding.
// Byte sequences are base64-encoded, timestamps use RFC 3339.
func (c Cell) Value() interface{} {
	switch c.Type {
	case CellString:
		return c.Str
	case CellInt:
		return c.Int
	case CellFloat:
		return c.Float
	case CellBool:
		return c.Bool
	case CellBytes:
		return base64.StdEncoding.EncodeToString(c.Bytes)
	case CellTime:
		return c.Time.Format(time.RFC3339Nano)
	default:
		return nil
	}
}

// MarshalJSON encodes the cell as its plain value.
func (c Cell) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Value())
}
