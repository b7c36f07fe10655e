package command

import (
	"context"
	"fmt"
	"os"

	"github.com/go-zoox/cli"
	"github.com/go-zoox/logger"

	"github.com/go-zoox/onion/circuit"
	"github.com/go-zoox/onion/core"
	"github.com/go-zoox/onion/reactor"
	"github.com/go-zoox/onion/registry"
)

type EntryConfig struct {
	Host       string `config:"host"`
	Port       int    `config:"port"`
	PathLength int    `config:"path_length"`
	// Registry mirrors a remote registry. When empty the entry serves its
	// own registry on RegistryPort.
	Registry     string `config:"registry"`
	RegistryHost string `config:"registry_host"`
	RegistryPort int    `config:"registry_port"`
	Secret       string `config:"secret"`
	ReactorConfig
}

func RegisterEntry(app *cli.MultipleProgram) {
	app.Register("entry", &cli.Command{
		Name:  "entry",
		Usage: "socks5 entry, tunnels every client through a circuit of relay nodes",
		Flags: append([]cli.Flag{
			configFlag,
			&cli.StringFlag{
				Name:  "host",
				Usage: "socks5 listen host",
				Value: "127.0.0.1",
			},
			&cli.IntFlag{
				Name:    "port",
				Usage:   "socks5 listen port",
				Aliases: []string{"p"},
				Value:   1080,
			},
			&cli.IntFlag{
				Name:  "path-length",
				Usage: "hops per circuit",
				Value: core.DefaultPathLength,
			},
			&cli.StringFlag{
				Name:  "registry",
				Usage: "remote registry server to mirror, format: http://host:port",
			},
			&cli.StringFlag{
				Name:  "registry-host",
				Usage: "listen host of the built-in registry",
				Value: core.DefaultHost,
			},
			&cli.IntFlag{
				Name:  "registry-port",
				Usage: "listen port of the built-in registry",
				Value: 9090,
			},
			&cli.StringFlag{
				Name:    "secret",
				Usage:   "registry secret",
				EnvVars: []string{"ONION_SECRET"},
			},
		}, reactorFlags...),
		Action: func(ctx *cli.Context) error {
			var cfg EntryConfig
			if err := loadConfig(ctx, &cfg); err != nil {
				return err
			}

			setString(ctx, "host", &cfg.Host)
			setInt(ctx, "port", &cfg.Port)
			setInt(ctx, "path-length", &cfg.PathLength)
			setString(ctx, "registry", &cfg.Registry)
			setString(ctx, "registry-host", &cfg.RegistryHost)
			setInt(ctx, "registry-port", &cfg.RegistryPort)
			setString(ctx, "secret", &cfg.Secret)
			cfg.ReactorConfig.apply(ctx)

			return runEntry(&cfg)
		},
	})
}

func runEntry(cfg *EntryConfig) error {
	if cfg.Registry != "" && cfg.Secret == "" {
		return fmt.Errorf("watching registry %s requires a secret", cfg.Registry)
	}

	reg := registry.New()
	statistics := core.NewStatistics()

	watchCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Registry != "" {
		client, err := registry.NewClient(&registry.ClientConfig{
			Server: cfg.Registry,
			Secret: cfg.Secret,
		})
		if err != nil {
			return err
		}

		go client.Watch(watchCtx, reg)
	} else {
		server := registry.NewServer(&registry.ServerConfig{
			Host:     cfg.RegistryHost,
			Port:     int64(cfg.RegistryPort),
			Secret:   cfg.Secret,
			Registry: reg,
			Statistics: func() any {
				return statistics.Snapshot()
			},
		})

		go func() {
			if err := server.Run(); err != nil {
				logger.Errorf("[registry] stopped: %v", err)
			}
		}()
	}

	r := reactor.New(&reactor.Config{
		Timeout: cfg.PollTimeout,
	})

	l, err := core.NewEntryListener(r, &core.EntryConfig{
		ListenConfig: core.ListenConfig{
			Host:    cfg.Host,
			Port:    cfg.Port,
			Backlog: cfg.Backlog,
		},
		PathLength:    cfg.PathLength,
		MaxBufferSize: cfg.MaxBufferSize,
		Registry:      reg,
		Selector:      circuit.NewSelector(nil),
		Statistics:    statistics,
	})
	if err != nil {
		return err
	}
	r.Add(l)

	onSignal(func(sig os.Signal) {
		cancel()
		r.Shutdown()
	})

	return r.Run()
}
