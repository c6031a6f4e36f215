package source

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	"github.com/maxpert/marmot-scaling/position"
	"github.com/maxpert/marmot-scaling/record"
	"github.com/rs/zerolog/log"
)

// ChangeLogTable is the trigger-populated change table on the source.
const ChangeLogTable = "scaling_changelog"

// ChangeLogDDL creates the change table. seq is the stream offset.
const ChangeLogDDL = `CREATE TABLE IF NOT EXISTS scaling_changelog (
    seq          INTEGER PRIMARY KEY AUTOINCREMENT,
    tbl          TEXT NOT NULL,
    op           TEXT NOT NULL,
    pk           TEXT NOT NULL,
    before_image TEXT,
    after_image  TEXT,
    commit_time  INTEGER NOT NULL
)`

const sqliteNowMillis = `CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER)`

// SQLiteChangeLogTriggers returns AFTER INSERT/UPDATE/DELETE triggers that
// copy row images of table into the change table as JSON objects.
func SQLiteChangeLogTriggers(table string, columns, keys []string) []string {
	image := func(alias string, cols []string) string {
		parts := make([]string, 0, len(cols))
		for _, c := range cols {
			parts = append(parts, fmt.Sprintf("'%s', %s.%s", c, alias, quoteIdent(c)))
		}
		return "json_object(" + strings.Join(parts, ", ") + ")"
	}

	quotedKeys := make([]string, len(keys))
	for i, k := range keys {
		quotedKeys[i] = "'" + k + "'"
	}
	pk := "json_array(" + strings.Join(quotedKeys, ", ") + ")"
	base := sanitizeIdentifier(table)
	target := quoteIdent(table)

	trigger := func(suffix, event, op, before, after string) string {
		return fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS scaling_%s_%s AFTER %s ON %s
BEGIN
    INSERT INTO %s(tbl, op, pk, before_image, after_image, commit_time)
    VALUES ('%s', '%s', %s, %s, %s, %s);
END;`, base, suffix, event, target, ChangeLogTable, table, op, pk, before, after, sqliteNowMillis)
	}

	return []string{
		trigger("ai", "INSERT", "INSERT", "NULL", image("NEW", columns)),
		trigger("au", "UPDATE", "UPDATE", image("OLD", keys), image("NEW", columns)),
		trigger("ad", "DELETE", "DELETE", image("OLD", columns), "NULL"),
	}
}

// InstallChangeLog creates the change table and triggers for every table.
func InstallChangeLog(ctx context.Context, db *sql.DB, meta *MetaData, tables []string) error {
	if _, err := db.ExecContext(ctx, ChangeLogDDL); err != nil {
		return fmt.Errorf("failed to create %s: %w", ChangeLogTable, err)
	}

	for _, table := range tables {
		cols, err := meta.Columns(ctx, table)
		if err != nil {
			return err
		}
		keys, err := meta.PrimaryKeys(ctx, table)
		if err != nil {
			return err
		}
		for _, stmt := range SQLiteChangeLogTriggers(table, cols, keys) {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to install change trigger on %s: %w", table, err)
			}
		}
		log.Debug().Str("table", table).Msg("Change log triggers installed")
	}
	return nil
}

// ChangeLogReader tails the change table by sequence number.
type ChangeLogReader struct {
	db      *sql.DB
	dialect goqu.DialectWrapper
}

// NewChangeLogReader creates a reader over db. The pool is owned by the caller.
func NewChangeLogReader(db *sql.DB, dialect goqu.DialectWrapper) *ChangeLogReader {
	return &ChangeLogReader{db: db, dialect: dialect}
}

// ReadChanges returns up to limit changes with seq > from.Offset.
func (r *ChangeLogReader) ReadChanges(ctx context.Context, from position.IncrementalPosition, limit int) ([]record.Record, error) {
	query, args, err := r.dialect.From(ChangeLogTable).
		Select("seq", "tbl", "op", "pk", "before_image", "after_image", "commit_time").
		Where(goqu.C("seq").Gt(from.Offset)).
		Order(goqu.C("seq").Asc()).
		Limit(uint(limit)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build change query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []record.Record
	for rows.Next() {
		var (
			seq           int64
			table, op, pk string
			before, after sql.NullString
			commitTime    int64
		)
		if err := rows.Scan(&seq, &table, &op, &pk, &before, &after, &commitTime); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}

		rec, err := changeLogRecord(table, op, pk, before, after)
		if err != nil {
			return nil, fmt.Errorf("change %d: %w", seq, err)
		}
		rec.Position = position.IncrementalPosition{Log: ChangeLogTable, Offset: uint64(seq)}
		rec.CommitTime = commitTime
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CurrentPosition returns the newest sequence in the change table.
func (r *ChangeLogReader) CurrentPosition(ctx context.Context) (position.IncrementalPosition, error) {
	query, args, err := r.dialect.From(ChangeLogTable).
		Select(goqu.COALESCE(goqu.MAX("seq"), 0)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return position.IncrementalPosition{}, fmt.Errorf("failed to build position query: %w", err)
	}

	var seq int64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&seq); err != nil {
		return position.IncrementalPosition{}, fmt.Errorf("failed to read change log position: %w", err)
	}
	return position.IncrementalPosition{Log: ChangeLogTable, Offset: uint64(seq)}, nil
}

func (r *ChangeLogReader) Close() error {
	return nil
}

func changeLogRecord(table, op, pk string, before, after sql.NullString) (record.Record, error) {
	kind, err := record.ParseKind(op)
	if err != nil {
		return record.Record{}, err
	}

	var keys []string
	if err := json.Unmarshal([]byte(pk), &keys); err != nil {
		return record.Record{}, fmt.Errorf("invalid key list: %w", err)
	}

	rec := record.Record{Kind: kind, Table: table, Keys: keys}
	switch kind {
	case record.Delete:
		rec.Values, err = decodeImage(before)
	case record.Update:
		if rec.Values, err = decodeImage(after); err == nil {
			rec.Before, err = decodeImage(before)
		}
	default:
		rec.Values, err = decodeImage(after)
	}
	if err != nil {
		return record.Record{}, err
	}
	if rec.Values == nil {
		return record.Record{}, fmt.Errorf("%s on %s without row image", kind, table)
	}
	return rec, nil
}

func decodeImage(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(s.String)))
	dec.UseNumber()

	var image map[string]any
	if err := dec.Decode(&image); err != nil {
		return nil, fmt.Errorf("invalid row image: %w", err)
	}
	for k, v := range image {
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				image[k] = i
			} else if f, err := n.Float64(); err == nil {
				image[k] = f
			}
		}
	}
	return image, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func sanitizeIdentifier(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}
