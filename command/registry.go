package command

import (
	"github.com/go-zoox/cli"

	"github.com/go-zoox/onion/registry"
)

func RegisterRegistry(app *cli.MultipleProgram) {
	app.Register("registry", &cli.Command{
		Name:  "registry",
		Usage: "standalone node registry",
		Flags: []cli.Flag{
			configFlag,
			&cli.StringFlag{
				Name:  "host",
				Usage: "listen host",
				Value: "0.0.0.0",
			},
			&cli.IntFlag{
				Name:    "port",
				Usage:   "listen port",
				Aliases: []string{"p"},
				Value:   9090,
			},
			&cli.StringFlag{
				Name:    "secret",
				Usage:   "secret nodes and watchers sign requests with",
				EnvVars: []string{"ONION_SECRET"},
			},
		},
		Action: func(ctx *cli.Context) error {
			var cfg registry.ServerConfig
			if err := loadConfig(ctx, &cfg); err != nil {
				return err
			}

			setString(ctx, "host", &cfg.Host)
			if ctx.IsSet("port") || cfg.Port == 0 {
				cfg.Port = int64(ctx.Int("port"))
			}
			setString(ctx, "secret", &cfg.Secret)

			return registry.NewServer(&cfg).Run()
		},
	})
}
