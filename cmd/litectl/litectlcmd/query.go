package litectlcmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	mbp "go.litepool.dev/core/mainboilerplate"
	"go.litepool.dev/core/pool"
)

type cmdQuery struct {
	Stmt string `long:"stmt" short:"s" required:"true" description:"SELECT statement to execute"`
}

func init() {
	CommandRegistry.AddCommand("", "query", "Run a read-only query", `
Run a SELECT statement against a snapshot of the database, through the
reader pool, and print its result rows as a table:

>    litectl --database.db my.db query -s "SELECT id, name FROM player"
`, &cmdQuery{})
}

func (cmd *cmdQuery) Execute([]string) error {
	startup()

	var db, err = openDB()
	mbp.Must(err, "failed to open database")
	defer db.Close()

	return db.Read(context.Background(), func(_ context.Context, tx *pool.ReadTx) error {
		var rows, err = tx.Query(cmd.Stmt)
		if err != nil {
			return err
		}
		defer rows.Close()

		var table = tablewriter.NewWriter(os.Stdout)
		table.Header(rows.Columns())

		var dests = make([]interface{}, len(rows.Columns()))
		var ptrs = make([]interface{}, len(dests))
		for i := range dests {
			ptrs[i] = &dests[i]
		}

		for rows.Next() {
			if err := rows.Scan(ptrs...); err != nil {
				return err
			}
			var render = make([]string, len(dests))
			for i, v := range dests {
				render[i] = renderValue(v)
			}
			table.Append(render)
		}
		if rows.Err() != nil {
			return rows.Err()
		}
		table.Render()
		return nil
	})
}

func renderValue(v interface{}) string {
	switch v := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(v)
	case string:
		return v
	case time.Time:
		return v.Format(time.RFC3339)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
}
