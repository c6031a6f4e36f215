// Package sink applies records to the target database. Every write is
// idempotent so a replay after a restart converges on the same rows.
package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/maxpert/marmot-scaling/datasource"
	"github.com/maxpert/marmot-scaling/record"
)

// SQLWriter writes records with upserts and key-conditional deletes.
type SQLWriter struct {
	db      *sql.DB
	dbType  datasource.Type
	dialect goqu.DialectWrapper
}

// NewSQLWriter creates a writer for a pool opened from c.
func NewSQLWriter(db *sql.DB, c datasource.Configuration) *SQLWriter {
	return &SQLWriter{db: db, dbType: c.Type, dialect: c.Dialect()}
}

// Upsert inserts rec or overwrites the row with the same key. An UPDATE that
// moved the row to a new key first removes the old key.
func (w *SQLWriter) Upsert(ctx context.Context, rec record.Record) error {
	if len(rec.Values) == 0 {
		return fmt.Errorf("upsert %s: no values", rec.Table)
	}
	if len(rec.Keys) == 0 {
		return fmt.Errorf("upsert %s: no primary key", rec.Table)
	}

	if old, moved := rec.BeforeKeyValues(); moved {
		if err := w.deleteByKey(ctx, rec.Table, rec.Keys, old); err != nil {
			return fmt.Errorf("upsert %s: remove moved row: %w", rec.Table, err)
		}
	}

	query, args, err := w.upsertSQL(rec)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", rec.Table, err)
	}
	if _, err := w.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert %s: %w", rec.Table, err)
	}
	return nil
}

func (w *SQLWriter) upsertSQL(rec record.Record) (string, []any, error) {
	row := goqu.Record{}
	for col, v := range rec.Values {
		row[col] = v
	}

	isKey := make(map[string]bool, len(rec.Keys))
	for _, k := range rec.Keys {
		isKey[k] = true
	}

	update := goqu.Record{}
	for _, col := range rec.Columns() {
		if isKey[col] {
			continue
		}
		if w.dbType == datasource.TypeMySQL {
			update[col] = goqu.L("VALUES(?)", goqu.I(col))
		} else {
			update[col] = goqu.L("excluded.?", goqu.I(col))
		}
	}

	var conflict exp.ConflictExpression
	if len(update) == 0 {
		conflict = goqu.DoNothing()
	} else {
		conflict = goqu.DoUpdate(strings.Join(rec.Keys, ","), update)
	}

	return w.dialect.Insert(rec.Table).
		Rows(row).
		OnConflict(conflict).
		Prepared(true).
		ToSQL()
}

// Delete removes the row with rec's key. Deleting a missing row is a no-op.
func (w *SQLWriter) Delete(ctx context.Context, rec record.Record) error {
	if len(rec.Keys) == 0 {
		return fmt.Errorf("delete %s: no primary key", rec.Table)
	}
	if err := w.deleteByKey(ctx, rec.Table, rec.Keys, rec.KeyValues()); err != nil {
		return fmt.Errorf("delete %s: %w", rec.Table, err)
	}
	return nil
}

func (w *SQLWriter) deleteByKey(ctx context.Context, table string, keys []string, values []any) error {
	where := goqu.Ex{}
	for i, k := range keys {
		if values[i] == nil {
			return fmt.Errorf("primary key column %s has no value", k)
		}
		where[k] = values[i]
	}

	query, args, err := w.dialect.Delete(table).Where(where).Prepared(true).ToSQL()
	if err != nil {
		return err
	}
	_, err = w.db.ExecContext(ctx, query, args...)
	return err
}
