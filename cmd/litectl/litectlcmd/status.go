package litectlcmd

import (
	"context"
	"os"

	humanize "github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	mbp "go.litepool.dev/core/mainboilerplate"
	"go.litepool.dev/core/pool"
)

type cmdStatus struct{}

func init() {
	CommandRegistry.AddCommand("", "status", "Print database status", `
Print the database file size, journal mode, page statistics, and the
effective pool configuration.
`, &cmdStatus{})
}

func (cmd *cmdStatus) Execute([]string) error {
	startup()

	var db, err = openDB()
	mbp.Must(err, "failed to open database")
	defer db.Close()

	var (
		journalMode string
		pageSize    int64
		pageCount   int64
	)
	err = db.Read(context.Background(), func(_ context.Context, tx *pool.ReadTx) error {
		if err := tx.QueryRow(`PRAGMA journal_mode`, nil, &journalMode); err != nil {
			return err
		}
		if err := tx.QueryRow(`PRAGMA page_size`, nil, &pageSize); err != nil {
			return err
		}
		return tx.QueryRow(`PRAGMA page_count`, nil, &pageCount)
	})
	if err != nil {
		return err
	}

	var fileSize uint64
	if fi, err := os.Stat(baseCfg.Database.Path); err == nil {
		fileSize = uint64(fi.Size())
	}

	var table = tablewriter.NewWriter(os.Stdout)
	table.Header([]string{"Property", "Value"})
	table.Append([]string{"Path", baseCfg.Database.Path})
	table.Append([]string{"File Size", humanize.IBytes(fileSize)})
	table.Append([]string{"Journal Mode", journalMode})
	table.Append([]string{"Page Size", humanize.IBytes(uint64(pageSize))})
	table.Append([]string{"Pages", humanize.Comma(pageCount)})
	var maxReaders = baseCfg.Database.MaxReaders
	if maxReaders == 0 {
		maxReaders = pool.DefaultMaxReaders
	}
	table.Append([]string{"Max Readers", humanize.Comma(int64(maxReaders))})
	table.Render()
	return nil
}
