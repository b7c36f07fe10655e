package main

import (
	"github.com/go-zoox/cli"

	"github.com/go-zoox/onion/command"
)

func main() {
	app := cli.NewMultipleProgram(&cli.MultipleProgramConfig{
		Name:    "onion",
		Usage:   "onion is a multi-hop socks5 relay network.",
		Version: Version,
	})

	command.RegisterEntry(app)
	command.RegisterNode(app)
	command.RegisterRegistry(app)

	app.Run()
}
