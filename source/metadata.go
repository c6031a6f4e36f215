package source

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/doug-martin/goqu/v9"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/marmot-scaling/datasource"
)

const metaDataCacheSize = 256

// MetaData answers schema questions about a source and caches primary keys.
type MetaData struct {
	db      *sql.DB
	dbType  datasource.Type
	dialect goqu.DialectWrapper
	pkCache *lru.Cache[string, []string]
}

// NewMetaData creates a metadata reader for a pool opened from c.
func NewMetaData(db *sql.DB, c datasource.Configuration) (*MetaData, error) {
	cache, err := lru.New[string, []string](metaDataCacheSize)
	if err != nil {
		return nil, err
	}
	return &MetaData{db: db, dbType: c.Type, dialect: c.Dialect(), pkCache: cache}, nil
}

// Tables lists user tables, excluding internal sqlite tables and the changelog.
func (m *MetaData) Tables(ctx context.Context) ([]string, error) {
	var query string
	var args []any
	var err error

	switch m.dbType {
	case datasource.TypeMySQL:
		query, args, err = m.dialect.From(goqu.S("information_schema").Table("TABLES")).
			Select("TABLE_NAME").
			Where(
				goqu.L("TABLE_SCHEMA = DATABASE()"),
				goqu.C("TABLE_TYPE").Eq("BASE TABLE"),
				goqu.C("TABLE_NAME").Neq(ChangeLogTable),
			).
			Order(goqu.C("TABLE_NAME").Asc()).
			Prepared(true).
			ToSQL()
	default:
		query, args, err = m.dialect.From("sqlite_master").
			Select("name").
			Where(
				goqu.C("type").Eq("table"),
				goqu.C("name").NotLike("sqlite_%"),
				goqu.C("name").Neq(ChangeLogTable),
			).
			Order(goqu.C("name").Asc()).
			Prepared(true).
			ToSQL()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to build table listing: %w", err)
	}

	return m.queryStrings(ctx, query, args...)
}

// PrimaryKeys returns the primary key columns of table in key order.
func (m *MetaData) PrimaryKeys(ctx context.Context, table string) ([]string, error) {
	if keys, ok := m.pkCache.Get(table); ok {
		return keys, nil
	}

	var keys []string
	var err error
	switch m.dbType {
	case datasource.TypeMySQL:
		var query string
		var args []any
		query, args, err = m.dialect.From(goqu.S("information_schema").Table("KEY_COLUMN_USAGE")).
			Select("COLUMN_NAME").
			Where(
				goqu.L("TABLE_SCHEMA = DATABASE()"),
				goqu.C("TABLE_NAME").Eq(table),
				goqu.C("CONSTRAINT_NAME").Eq("PRIMARY"),
			).
			Order(goqu.C("ORDINAL_POSITION").Asc()).
			Prepared(true).
			ToSQL()
		if err != nil {
			return nil, fmt.Errorf("failed to build primary key query: %w", err)
		}
		keys, err = m.queryStrings(ctx, query, args...)
	default:
		keys, err = m.queryStrings(ctx, "SELECT name FROM pragma_table_info(?) WHERE pk > 0 ORDER BY pk", table)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read primary keys of %s: %w", table, err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("table %s not found or has no primary key", table)
	}

	m.pkCache.Add(table, keys)
	return keys, nil
}

// Columns returns every column of table in declaration order.
func (m *MetaData) Columns(ctx context.Context, table string) ([]string, error) {
	var cols []string
	var err error
	switch m.dbType {
	case datasource.TypeMySQL:
		var query string
		var args []any
		query, args, err = m.dialect.From(goqu.S("information_schema").Table("COLUMNS")).
			Select("COLUMN_NAME").
			Where(
				goqu.L("TABLE_SCHEMA = DATABASE()"),
				goqu.C("TABLE_NAME").Eq(table),
			).
			Order(goqu.C("ORDINAL_POSITION").Asc()).
			Prepared(true).
			ToSQL()
		if err != nil {
			return nil, fmt.Errorf("failed to build column query: %w", err)
		}
		cols, err = m.queryStrings(ctx, query, args...)
	default:
		cols, err = m.queryStrings(ctx, "SELECT name FROM pragma_table_info(?) ORDER BY cid", table)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s not found", table)
	}
	return cols, nil
}

// Invalidate drops cached keys of table after a schema change.
func (m *MetaData) Invalidate(table string) {
	m.pkCache.Remove(table)
}

func (m *MetaData) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
