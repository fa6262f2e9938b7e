package models

import "time"

// TableList is the result of listing tables in the connected database.
type TableList struct {
	Tables []string `json:"tables"`
	Count  int      `json:"count"`
}

// Column describes a single table column as reported by SHOW FULL COLUMNS.
type Column struct {
	Name      string  `json:"name"`
	Type      string  `json:"type"`
	Collation *string `json:"collation,omitempty"`
	Nullable  bool    `json:"nullable"`
	Key       string  `json:"key,omitempty"`
	Default   *string `json:"default,omitempty"`
	Extra     string  `json:"extra,omitempty"`
	Comment   string  `json:"comment,omitempty"`
}

// Index describes an index with its member columns ordered by their
// sequence within the index.
type Index struct {
	Name    string   `json:"name"`
	Unique  bool     `json:"unique"`
	Columns []string `json:"columns"`
}

// TableStatus holds table-level metadata from SHOW TABLE STATUS.
type TableStatus struct {
	Name          string     `json:"name"`
	Engine        string     `json:"engine,omitempty"`
	RowEstimate   int64      `json:"row_estimate"`
	AvgRowLength  int64      `json:"avg_row_length"`
	DataLength    int64      `json:"data_length"`
	IndexLength   int64      `json:"index_length"`
	AutoIncrement *int64     `json:"auto_increment,omitempty"`
	CreateTime    *time.Time `json:"create_time,omitempty"`
	UpdateTime    *time.Time `json:"update_time,omitempty"`
	Collation     string     `json:"collation,omitempty"`
	Comment       string     `json:"comment,omitempty"`
}

// TableDescription is the assembled result of describing a table.
type TableDescription struct {
	Table   string       `json:"table"`
	Columns []Column     `json:"columns"`
	Indexes []Index      `json:"indexes"`
	Status  *TableStatus `json:"status,omitempty"`
}
