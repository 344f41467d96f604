package main

import (
	"go.litepool.dev/core/cmd/litectl/litectlcmd"
)

func main() {
	litectlcmd.Execute()
}
