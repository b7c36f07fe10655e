package command

import (
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-zoox/cli"
	"github.com/go-zoox/config"
	"github.com/go-zoox/fs"
	"github.com/go-zoox/logger"
	"github.com/go-zoox/random"
)

var configFlag = &cli.StringFlag{
	Name:    "config",
	Usage:   "the filepath for configuration",
	Aliases: []string{"c"},
}

var reactorFlags = []cli.Flag{
	&cli.IntFlag{
		Name:  "poll-timeout",
		Usage: "poll timeout in milliseconds",
	},
	&cli.IntFlag{
		Name:  "max-buffer-size",
		Usage: "max bytes buffered toward one socket",
	},
	&cli.IntFlag{
		Name:  "backlog",
		Usage: "listen backlog",
	},
}

// ReactorConfig is shared by every command that runs a reactor.
type ReactorConfig struct {
	PollTimeout   int `config:"poll_timeout"`
	MaxBufferSize int `config:"max_buffer_size"`
	Backlog       int `config:"backlog"`
}

func (c *ReactorConfig) apply(ctx *cli.Context) {
	if ctx.IsSet("poll-timeout") {
		c.PollTimeout = ctx.Int("poll-timeout")
	}
	if ctx.IsSet("max-buffer-size") {
		c.MaxBufferSize = ctx.Int("max-buffer-size")
	}
	if ctx.IsSet("backlog") {
		c.Backlog = ctx.Int("backlog")
	}
}

func loadConfig(ctx *cli.Context, cfg any) error {
	filepath := ctx.String("config")
	if filepath == "" {
		return nil
	}

	if !fs.IsExist(filepath) {
		return fmt.Errorf("config file not found at %s", filepath)
	}

	if err := config.Load(cfg, &config.LoadOptions{
		FilePath: filepath,
	}); err != nil {
		return fmt.Errorf("failed to load config file at %s: %v", filepath, err)
	}

	return nil
}

func setString(ctx *cli.Context, name string, value *string) {
	if ctx.IsSet(name) || *value == "" {
		*value = ctx.String(name)
	}
}

func setInt(ctx *cli.Context, name string, value *int) {
	if ctx.IsSet(name) || *value == 0 {
		*value = ctx.Int(name)
	}
}

func validateIPv4(name, address string) error {
	ip, err := netip.ParseAddr(address)
	if err != nil || !ip.Is4() {
		return fmt.Errorf("invalid %s(%s), expect ipv4 address", name, address)
	}
	return nil
}

// randomKey returns a node key in 1..255.
func randomKey() uint8 {
	// random.Int takes (max, min) and returns min + rand.Intn(max-min)
	return uint8(random.Int(256, 1))
}

// onSignal calls fn once on SIGINT or SIGTERM.
func onSignal(fn func(sig os.Signal)) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-ch
		logger.Infof("received signal %s, shutting down ...", sig)
		fn(sig)
		signal.Stop(ch)
	}()
}
