package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/matpb/mysql-mcp-server/pkg/infrastructure/pool"
	"github.com/matpb/mysql-mcp-server/pkg/models"
	"github.com/matpb/mysql-mcp-server/pkg/repositories"
)

// metadataRepository implements repositories.MetadataRepository for MySQL.
// Table names are interpolated (identifiers cannot be parameter-bound); the
// metadata service restricts them to [A-Za-z0-9_] before calling in.
type metadataRepository struct {
	pool   pool.ConnectionProvider
	logger zerolog.Logger
}

// NewMetadataRepository creates a new MySQL metadata repository.
func NewMetadataRepository(pool pool.ConnectionProvider, logger zerolog.Logger) repositories.MetadataRepository {
	return &metadataRepository{
		pool:   pool,
		logger: logger,
	}
}

// ListTables returns the names of all tables in the connected database.
func (r *metadataRepository) ListTables(ctx context.Context) ([]string, error) {
	db, err := r.pool.Get(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, "SHOW TABLES")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tables := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// GetColumns returns column descriptors from SHOW FULL COLUMNS.
func (r *metadataRepository) GetColumns(ctx context.Context, table string) ([]models.Column, error) {
	records, err := r.queryRecords(ctx, fmt.Sprintf("SHOW FULL COLUMNS FROM `%s`", table))
	if err != nil {
		return nil, err
	}

	columns := make([]models.Column, 0, len(records))
	for _, rec := range records {
		col := models.Column{
			Name:     rec.str("Field"),
			Type:     rec.str("Type"),
			Nullable: rec.str("Null") == "YES",
			Key:      rec.str("Key"),
			Extra:    rec.str("Extra"),
			Comment:  rec.str("Comment"),
		}
		if v, ok := rec.optStr("Collation"); ok {
			col.Collation = &v
		}
		if v, ok := rec.optStr("Default"); ok {
			col.Default = &v
		}
		columns = append(columns, col)
	}
	return columns, nil
}

// GetIndexes returns index descriptors grouped by key name, member columns
// ordered by their sequence within the index.
func (r *metadataRepository) GetIndexes(ctx context.Context, table string) ([]models.Index, error) {
	records, err := r.queryRecords(ctx, fmt.Sprintf("SHOW INDEX FROM `%s`", table))
	if err != nil {
		return nil, err
	}

	type member struct {
		seq    int64
		column string
	}
	order := []string{}
	unique := map[string]bool{}
	members := map[string][]member{}

	for _, rec := range records {
		name := rec.str("Key_name")
		if _, seen := members[name]; !seen {
			order = append(order, name)
			unique[name] = rec.int64("Non_unique") == 0
		}
		members[name] = append(members[name], member{
			seq:    rec.int64("Seq_in_index"),
			column: rec.str("Column_name"),
		})
	}

	indexes := make([]models.Index, 0, len(order))
	for _, name := range order {
		ms := members[name]
		sort.Slice(ms, func(i, j int) bool { return ms[i].seq < ms[j].seq })
		idx := models.Index{Name: name, Unique: unique[name]}
		for _, m := range ms {
			idx.Columns = append(idx.Columns, m.column)
		}
		indexes = append(indexes, idx)
	}
	return indexes, nil
}

// GetTableStatus returns table-level metadata from SHOW TABLE STATUS.
func (r *metadataRepository) GetTableStatus(ctx context.Context, table string) (*models.TableStatus, error) {
	records, err := r.queryRecords(ctx, "SHOW TABLE STATUS LIKE ?", table)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	rec := records[0]
	status := &models.TableStatus{
		Name:         rec.str("Name"),
		Engine:       rec.str("Engine"),
		RowEstimate:  rec.int64("Rows"),
		AvgRowLength: rec.int64("Avg_row_length"),
		DataLength:   rec.int64("Data_length"),
		IndexLength:  rec.int64("Index_length"),
		Collation:    rec.str("Collation"),
		Comment:      rec.str("Comment"),
	}
	if v, ok := rec.optInt64("Auto_increment"); ok {
		status.AutoIncrement = &v
	}
	if t, ok := rec.time("Create_time"); ok {
		status.CreateTime = &t
	}
	if t, ok := rec.time("Update_time"); ok {
		status.UpdateTime = &t
	}
	return status, nil
}

// record is a generically scanned row keyed by column name. SHOW output
// varies in column count across server versions, so positional scanning is
// too brittle here.
type record map[string]interface{}

func (r *metadataRepository) queryRecords(ctx context.Context, query string, args ...interface{}) ([]record, error) {
	db, err := r.pool.Get(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]record, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var records []record
	values := make([]interface{}, len(columns))
	ptrs := make([]interface{}, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rec := make(record, len(columns))
		for i, col := range columns {
			rec[col] = values[i]
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r record) str(key string) string {
	v, _ := r.optStr(key)
	return v
}

func (r record) optStr(key string) (string, bool) {
	switch v := r[key].(type) {
	case nil:
		return "", false
	case string:
		return v, true
	case []byte:
		return string(v), true
	default:
		return asString(v), true
	}
}

func (r record) int64(key string) int64 {
	v, _ := r.optInt64(key)
	return v
}

func (r record) optInt64(key string) (int64, bool) {
	switch v := r[key].(type) {
	case nil:
		return 0, false
	case int64:
		return v, true
	case []byte:
		n, err := strconv.ParseInt(string(v), 10, 64)
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func (r record) time(key string) (time.Time, bool) {
	switch v := r[key].(type) {
	case time.Time:
		return v, true
	case []byte:
		t, err := time.Parse("2006-01-02 15:04:05", string(v))
		return t, err == nil
	case string:
		t, err := time.Parse("2006-01-02 15:04:05", v)
		return t, err == nil
	default:
		return time.Time{}, false
	}
}

func asString(v interface{}) string {
	return fmt.Sprintf("%v", v)
}
