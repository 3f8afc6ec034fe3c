// Command rivetctl is the operator CLI for the actor runtime, adapted
// from the teacher's cmd/cli: an urfave/cli application exercising the
// manager driver (C5) end to end — create/destroy/get/list actors,
// send queue messages, broadcast events, invoke actions, and run the
// HTTP/WebSocket gateway (SPEC_FULL.md §4.14).
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()
	app.Name = "rivetctl"
	app.Usage = "operate a RivetKit actor runtime"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "data-dir", Value: "./data", Usage: "root directory for per-actor SQLite databases"},
		cli.StringFlag{Name: "index-path", Value: "./data/index.db", Usage: "path to the global (name,key)->actorId index"},
		cli.StringFlag{Name: "config", Usage: "optional YAML config file overlaying the built-in defaults"},
	}
	app.Commands = []cli.Command{
		serveCommand,
		createCommand,
		destroyCommand,
		getCommand,
		listCommand,
		actionCommand,
		sendCommand,
		completeCommand,
		broadcastCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "rivetctl:", err)
		os.Exit(1)
	}
}
