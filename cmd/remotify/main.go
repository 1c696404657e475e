package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/guseggert/remotify/agent"
	"github.com/guseggert/remotify/rpc"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "remotify",
		Usage: "call functions on a remote machine and stream their results back",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Minimum level to log at.",
				Value: "info",
			},
		},
		Commands: []*cli.Command{
			serveCommand,
			callCommand,
			methodsCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newLogger(ctx *cli.Context) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(ctx.String("log-level"))
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	logger, err := zap.NewDevelopment(zap.IncreaseLevel(level))
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "run the agent",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "Path to a YAML config file. Flags override its values.",
		},
		&cli.StringFlag{
			Name:  "listen-addr",
			Usage: "The address for the HTTP server to listen on.",
			Value: "0.0.0.0:8080",
		},
		&cli.StringFlag{
			Name:  "root",
			Usage: "Directory that relative paths and commands are resolved in.",
		},
		&cli.UintFlag{
			Name:  "stream-window",
			Usage: "Number of stream elements sent ahead of the consumer.",
			Value: rpc.DefaultStreamWindow,
		},
	},
	Action: func(ctx *cli.Context) error {
		logger, err := newLogger(ctx)
		if err != nil {
			return err
		}
		defer logger.Sync()

		opts := []agent.Option{agent.WithLogger(logger)}
		if path := ctx.String("config"); path != "" {
			cfg, err := agent.LoadConfig(path)
			if err != nil {
				return err
			}
			cfgOpts, err := cfg.Options()
			if err != nil {
				return err
			}
			opts = append(opts, cfgOpts...)
		}
		if ctx.IsSet("listen-addr") || ctx.String("config") == "" {
			opts = append(opts, agent.WithListenAddr(ctx.String("listen-addr")))
		}
		if ctx.IsSet("root") {
			opts = append(opts, agent.WithRoot(ctx.String("root")))
		}
		if ctx.IsSet("stream-window") {
			opts = append(opts, agent.WithStreamWindow(uint32(ctx.Uint("stream-window"))))
		}

		a, err := agent.NewNodeAgent(opts...)
		if err != nil {
			return fmt.Errorf("building agent: %w", err)
		}

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt)
		go func() {
			<-sigs
			logger.Info("interrupted, stopping")
			a.Stop()
		}()

		return a.Run()
	},
}

var urlFlag = &cli.StringFlag{
	Name:  "url",
	Usage: "WebSocket URL of the agent's rpc endpoint.",
	Value: "ws://127.0.0.1:8080/rpc",
}

func dial(ctx *cli.Context) (*rpc.Client, error) {
	logger, err := newLogger(ctx)
	if err != nil {
		return nil, err
	}
	return rpc.Dial(ctx.Context, ctx.String("url"), rpc.WithClientLogger(logger.Sugar()))
}

var callCommand = &cli.Command{
	Name:      "call",
	Usage:     "call a method and print its result, following any streams in it",
	ArgsUsage: "METHOD [JSON_ARG...]",
	Flags:     []cli.Flag{urlFlag},
	Action: func(ctx *cli.Context) error {
		if ctx.NArg() < 1 {
			return fmt.Errorf("missing method name")
		}
		method := ctx.Args().First()
		var args []any
		for _, raw := range ctx.Args().Tail() {
			var arg any
			if err := json.Unmarshal([]byte(raw), &arg); err != nil {
				// bare words are passed as strings
				arg = raw
			}
			args = append(args, arg)
		}

		client, err := dial(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		callCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt)
		defer stop()

		v, err := client.Call(callCtx, method, args...)
		if err != nil {
			return err
		}
		p := newPrinter(os.Stdout, isatty.IsTerminal(os.Stdout.Fd()))
		return p.print(callCtx, v, true)
	},
}

var methodsCommand = &cli.Command{
	Name:  "methods",
	Usage: "list the methods the agent serves",
	Flags: []cli.Flag{urlFlag},
	Action: func(ctx *cli.Context) error {
		client, err := dial(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		methods, err := client.Methods(ctx.Context)
		if err != nil {
			return err
		}
		for _, m := range methods {
			fmt.Println(m)
		}
		return nil
	},
}
