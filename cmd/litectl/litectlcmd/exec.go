package litectlcmd

import (
	"context"
	"fmt"

	mbp "go.litepool.dev/core/mainboilerplate"
	"go.litepool.dev/core/pool"
)

type cmdExec struct {
	Stmt []string `long:"stmt" short:"s" required:"true" description:"Statement to execute. May be repeated; all statements run in one transaction"`
}

func init() {
	CommandRegistry.AddCommand("", "exec", "Run mutating statements", `
Run one or more statements within a single write transaction, through the
writer coordinator. All statements commit together, or roll back together
on the first error:

>    litectl --database.db my.db exec \
>        -s "INSERT INTO player (name, score) VALUES ('alice', 10)" \
>        -s "UPDATE team SET wins = wins + 1 WHERE name = 'reds'"
`, &cmdExec{})
}

func (cmd *cmdExec) Execute([]string) error {
	startup()

	var db, err = openDB()
	mbp.Must(err, "failed to open database")
	defer db.Close()

	var total int64
	err = db.Write(context.Background(), func(_ context.Context, tx *pool.WriteTx) error {
		for _, stmt := range cmd.Stmt {
			var n, err = tx.Exec(stmt)
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("%d row(s) affected.\n", total)
	return nil
}
