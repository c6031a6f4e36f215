// Package source implements the readers dumpers pull from: keyset range
// reads over database/sql, a trigger-fed changelog table, and change events
// carried over Kafka or NATS JetStream.
package source

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/doug-martin/goqu/v9"
	"github.com/maxpert/marmot-scaling/dumper"
	"github.com/maxpert/marmot-scaling/position"
)

// SQLRowReader serves inventory range reads from a database/sql pool.
type SQLRowReader struct {
	db      *sql.DB
	dialect goqu.DialectWrapper
}

// NewSQLRowReader creates a reader issuing statements in dialect.
func NewSQLRowReader(db *sql.DB, dialect goqu.DialectWrapper) *SQLRowReader {
	return &SQLRowReader{db: db, dialect: dialect}
}

// ReadRows runs key > After AND key <= Upper ORDER BY key LIMIT Limit.
func (r *SQLRowReader) ReadRows(ctx context.Context, q dumper.RangeQuery) ([]dumper.Row, error) {
	query, args, err := r.dialect.From(q.Table).
		Where(
			goqu.C(q.KeyColumn).Gt(q.After),
			goqu.C(q.KeyColumn).Lte(q.Upper),
		).
		Order(goqu.C(q.KeyColumn).Asc()).
		Limit(uint(q.Limit)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build range query for %s: %w", q.Table, err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values, err := scanMaps(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", q.Table, err)
	}

	out := make([]dumper.Row, 0, len(values))
	for _, v := range values {
		key, err := toInt64(v[q.KeyColumn])
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", q.Table, q.KeyColumn, err)
		}
		out = append(out, dumper.Row{Key: key, Values: v})
	}
	return out, nil
}

// EstimateRows counts the rows left in the range of pos.
func (r *SQLRowReader) EstimateRows(ctx context.Context, table, keyColumn string, pos position.InventoryPosition) (int64, error) {
	query, args, err := r.dialect.From(table).
		Select(goqu.COUNT(goqu.Star())).
		Where(
			goqu.C(keyColumn).Gt(pos.Cursor),
			goqu.C(keyColumn).Lte(pos.UpperBound),
		).
		Prepared(true).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build count query for %s: %w", table, err)
	}

	var count int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return count, nil
}

// KeyRange returns MIN and MAX of keyColumn. ok is false for an empty table.
func (r *SQLRowReader) KeyRange(ctx context.Context, table, keyColumn string) (lower, upper int64, ok bool, err error) {
	query, args, err := r.dialect.From(table).
		Select(goqu.MIN(keyColumn), goqu.MAX(keyColumn)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return 0, 0, false, fmt.Errorf("failed to build key range query for %s: %w", table, err)
	}

	var lo, hi sql.NullInt64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&lo, &hi); err != nil {
		return 0, 0, false, fmt.Errorf("failed to read key range of %s: %w", table, err)
	}
	if !lo.Valid || !hi.Valid {
		return 0, 0, false, nil
	}
	return lo.Int64, hi.Int64, true, nil
}

// scanMaps reads every row into a column -> value map. []byte values are
// converted to strings to keep TEXT affinity when written back.
func scanMaps(rows *sql.Rows) ([]map[string]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	case []byte:
		return strconv.ParseInt(string(n), 10, 64)
	}
	return 0, fmt.Errorf("unsupported key type %T", v)
}
