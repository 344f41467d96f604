// Package litectlcmd implements the litectl command-line tool for
// inspecting and mutating litepool-managed SQLite databases.
package litectlcmd

import (
	"time"

	"github.com/jessevdk/go-flags"

	mbp "go.litepool.dev/core/mainboilerplate"
	"go.litepool.dev/core/metrics"
	"go.litepool.dev/core/pool"
)

const iniFilename = "litectl.ini"

// DatabaseConfig is common configuration of the database under management.
type DatabaseConfig struct {
	Path           string        `long:"db" env:"DB" description:"Path of the SQLite database file" required:"true"`
	MaxReaders     int           `long:"max-readers" env:"MAX_READERS" default:"0" description:"Maximum concurrent readers (0 for the default; negative serializes reads with writes)"`
	AcquireTimeout time.Duration `long:"acquire-timeout" env:"ACQUIRE_TIMEOUT" default:"5s" description:"Timeout of waiting for an idle reader connection"`
	BusyTimeout    time.Duration `long:"busy-timeout" env:"BUSY_TIMEOUT" default:"1s" description:"SQLite busy handler timeout"`
}

var baseCfg = new(struct {
	Database DatabaseConfig `group:"Database" namespace:"database" env-namespace:"DATABASE"`
	Log      mbp.LogConfig  `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

// CommandRegistry is the top-level registry which sub-commands add
// themselves to from their init functions.
var CommandRegistry = mbp.NewCommandRegistry()

func startup() {
	mbp.InitLog(baseCfg.Log)
	mbp.InitDiagnostics(mbp.DiagnosticsConfig{},
		append(metrics.PoolCollectors(), metrics.ObservationCollectors()...)...)
}

func openDB() (*pool.DB, error) {
	return pool.Open(baseCfg.Database.Path, pool.Config{
		MaxReaders:     baseCfg.Database.MaxReaders,
		AcquireTimeout: baseCfg.Database.AcquireTimeout,
		BusyTimeout:    baseCfg.Database.BusyTimeout,
	})
}

// Execute parses configuration and runs the selected sub-command.
func Execute() {
	var parser = flags.NewParser(baseCfg, flags.Default)

	mbp.AddPrintConfigCmd(parser, iniFilename)
	parser.LongDescription = `litectl is a tool for interacting with litepool-managed SQLite databases.

	See --help pages of each sub-command for documentation and usage examples.
	Optionally configure litectl with a '` + iniFilename + `' file in the current working directory,
	or with '~/.config/litepool/` + iniFilename + `'. Use the 'print-config' sub-command to inspect
	the tool's current configuration.
	`

	mbp.Must(CommandRegistry.AddCommands("", parser.Command, true), "failed to add sub-command")
	mbp.MustParseConfig(parser, iniFilename)
}
