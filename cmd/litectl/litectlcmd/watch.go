package litectlcmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	mbp "go.litepool.dev/core/mainboilerplate"
	"go.litepool.dev/core/observation"
	"go.litepool.dev/core/pool"
)

type cmdWatch struct {
	Stmt string `long:"stmt" short:"s" required:"true" description:"SELECT statement to observe"`
}

func init() {
	CommandRegistry.AddCommand("", "watch", "Observe a query's results as they change", `
Run a SELECT statement and re-run it each time a committed write overlaps
the tables, columns and rows it reads, printing every fresh result until
interrupted:

>    litectl --database.db my.db watch -s "SELECT count(*) FROM player"
`, &cmdWatch{})
}

func (cmd *cmdWatch) Execute([]string) error {
	startup()

	var db, err = openDB()
	mbp.Must(err, "failed to open database")
	defer db.Close()

	var fetch = func(_ context.Context, tx *pool.ReadTx) ([][]string, error) {
		var rows, err = tx.Query(cmd.Stmt)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var out = [][]string{rows.Columns()}
		var dests = make([]interface{}, len(rows.Columns()))
		var ptrs = make([]interface{}, len(dests))
		for i := range dests {
			ptrs[i] = &dests[i]
		}
		for rows.Next() {
			if err := rows.Scan(ptrs...); err != nil {
				return nil, err
			}
			var render = make([]string, len(dests))
			for i, v := range dests {
				render[i] = renderValue(v)
			}
			out = append(out, render)
		}
		return out, rows.Err()
	}

	var errCh = make(chan error, 1)
	var handle *observation.Handle[[][]string]

	handle, err = observation.Start(db, observation.Options[[][]string]{},
		fetch,
		func(result [][]string) {
			for _, row := range result {
				fmt.Println(strings.Join(row, "\t"))
			}
			fmt.Println("---")
		},
		func(err error) { errCh <- err },
	)
	mbp.Must(err, "failed to start observation")
	defer handle.Cancel()

	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		fmt.Fprintf(os.Stderr, "%v: stopping\n", sig)
		return nil
	case err := <-errCh:
		return err
	}
}
