package command

import (
	"fmt"
	"os"

	"github.com/go-zoox/cli"
	"github.com/go-zoox/logger"

	"github.com/go-zoox/onion/core"
	"github.com/go-zoox/onion/reactor"
	"github.com/go-zoox/onion/registry"
)

type NodeConfig struct {
	Name      string `config:"name"`
	Host      string `config:"host"`
	Port      int    `config:"port"`
	Advertise string `config:"advertise"`
	Key       int    `config:"key"`
	Registry  string `config:"registry"`
	Secret    string `config:"secret"`
	ReactorConfig
}

func RegisterNode(app *cli.MultipleProgram) {
	app.Register("node", &cli.Command{
		Name:  "node",
		Usage: "relay node, peels one layer of every circuit passing through it",
		Flags: append([]cli.Flag{
			configFlag,
			&cli.StringFlag{
				Name:  "name",
				Usage: "display name in the registry",
			},
			&cli.StringFlag{
				Name:  "host",
				Usage: "listen host",
				Value: core.DefaultHost,
			},
			&cli.IntFlag{
				Name:    "port",
				Usage:   "listen port",
				Aliases: []string{"p"},
				Value:   9001,
			},
			&cli.StringFlag{
				Name:  "advertise",
				Usage: "ipv4 address registered for this node",
				Value: "127.0.0.1",
			},
			&cli.IntFlag{
				Name:  "key",
				Usage: "obfuscation key in 1..255, random when 0",
			},
			&cli.StringFlag{
				Name:  "registry",
				Usage: "registry server, format: http://host:port",
			},
			&cli.StringFlag{
				Name:    "secret",
				Usage:   "registry secret",
				EnvVars: []string{"ONION_SECRET"},
			},
		}, reactorFlags...),
		Action: func(ctx *cli.Context) error {
			var cfg NodeConfig
			if err := loadConfig(ctx, &cfg); err != nil {
				return err
			}

			setString(ctx, "name", &cfg.Name)
			setString(ctx, "host", &cfg.Host)
			setInt(ctx, "port", &cfg.Port)
			setString(ctx, "advertise", &cfg.Advertise)
			setInt(ctx, "key", &cfg.Key)
			setString(ctx, "registry", &cfg.Registry)
			setString(ctx, "secret", &cfg.Secret)
			cfg.ReactorConfig.apply(ctx)

			return runNode(&cfg)
		},
	})
}

func runNode(cfg *NodeConfig) error {
	if cfg.Key < 0 || cfg.Key > 255 {
		return fmt.Errorf("invalid key(%d), expect 1 to 255", cfg.Key)
	}
	if cfg.Key == 0 {
		cfg.Key = int(randomKey())
	}
	if err := validateIPv4("advertise", cfg.Advertise); err != nil {
		return err
	}

	r := reactor.New(&reactor.Config{
		Timeout: cfg.PollTimeout,
	})

	l, err := core.NewRelayListener(r, &core.RelayConfig{
		ListenConfig: core.ListenConfig{
			Host:    cfg.Host,
			Port:    cfg.Port,
			Backlog: cfg.Backlog,
		},
		Key:           uint8(cfg.Key),
		MaxBufferSize: cfg.MaxBufferSize,
	})
	if err != nil {
		return err
	}
	r.Add(l)

	_, port, err := l.Addr()
	if err != nil {
		return err
	}

	node := registry.Node{
		Name:    cfg.Name,
		Address: cfg.Advertise,
		Port:    port,
		Key:     uint8(cfg.Key),
	}

	var client *registry.Client
	if cfg.Registry != "" {
		client, err = registry.NewClient(&registry.ClientConfig{
			Server: cfg.Registry,
			Secret: cfg.Secret,
		})
		if err != nil {
			return err
		}

		if err := client.Register(node); err != nil {
			return fmt.Errorf("failed to register node %s: %v", node.String(), err)
		}
		logger.Infof("[node] registered %s at %s", node.String(), cfg.Registry)
	}

	onSignal(func(sig os.Signal) {
		r.Shutdown()

		if client != nil {
			if err := client.Unregister(node); err != nil {
				logger.Warnf("[node] failed to unregister %s: %v", node.String(), err)
			}
		}
	})

	return r.Run()
}
