package datasource

import (
	"database/sql"

	"github.com/mattn/go-sqlite3"
)

// SQLiteDriverName is the driver registered for sqlite3 datasources
const SQLiteDriverName = "sqlite3_scaling"

func init() {
	// Every connection waits on locks instead of failing with SQLITE_BUSY:
	// the dumper reads while importers and the source application write.
	sql.Register(SQLiteDriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			if _, err := conn.Exec("PRAGMA busy_timeout = 5000", nil); err != nil {
				return err
			}
			_, err := conn.Exec("PRAGMA journal_mode = WAL", nil)
			return err
		},
	})
}
