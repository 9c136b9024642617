package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[hwbridge] %v\n", err)
	os.Exit(1)
}

func main() {
	app := cli.NewApp()
	app.Name = "hwbridge"
	app.Version = "0.1.0"
	app.Usage = "inspect and convert hardware wallet interchange data"
	app.Commands = []cli.Command{
		urEncodeCommand,
		urDecodeCommand,
		confParseCommand,
		confEmitCommand,
		psbtInspectCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}
