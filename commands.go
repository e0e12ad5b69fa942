package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"github.com/pkg/browser"
	"github.com/urfave/cli/v2"

	"github.com/ibeckermayer/replyweave/internal/app"
	"github.com/ibeckermayer/replyweave/internal/config"
	"github.com/ibeckermayer/replyweave/internal/logging"
)

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	return cfg, nil
}

// withApp loads config, opens the run log and the app, and runs fn with a
// context canceled on SIGINT/SIGTERM.
func withApp(runName string, fn func(ctx context.Context, a *app.App) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}

		run, err := logging.Setup(logging.Options{
			Level:    cfg.Log.Level,
			Dir:      cfg.Log.Dir,
			ToStdout: cfg.Log.ToStdout,
			RunName:  runName,
		})
		if err != nil {
			return err
		}
		defer run.Close()

		a, err := app.New(cfg, run.Logger)
		if err != nil {
			run.Logger.Error().Err(err).Msg("startup failed")
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := fn(ctx, a); err != nil {
			run.Logger.Error().Err(err).Str("command", runName).Msg("command failed")
			return err
		}
		return nil
	}
}

func collectCommand() *cli.Command {
	return &cli.Command{
		Name:  "collect",
		Usage: "Fetch replies and their threads into the local store",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "from-cache", Usage: "Store the cached pages again instead of calling the API"},
		},
		Action: func(c *cli.Context) error {
			return withApp("collect", func(ctx context.Context, a *app.App) error {
				collect := a.Collect
				if c.Bool("from-cache") {
					collect = a.Replay
				}
				stats, err := collect(ctx)
				fmt.Printf("search pages: %d, thread pages: %d, conversations: %d, upserted: %s\n",
					stats.SearchPages, stats.ThreadPages, stats.Conversations, humanize.Comma(int64(stats.Upserted)))
				return err
			})(c)
		},
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Rebuild changed conversations and update the JSON export",
		Action: withApp("export", func(ctx context.Context, a *app.App) error {
			res, err := a.Export(ctx)
			if err != nil {
				return err
			}
			mode := "incremental"
			if res.FullRebuild {
				mode = "full"
			}
			fmt.Printf("%s export: %d rebuilt, %d written -> %s\n", mode, res.Changed, res.Written, res.OutputPath)
			return nil
		}),
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Collect, then export",
		Action: withApp("run", func(ctx context.Context, a *app.App) error {
			return a.Run(ctx)
		}),
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Run on the configured cron schedule until interrupted",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "now", Usage: "Start one run immediately"},
		},
		Action: func(c *cli.Context) error {
			return withApp("watch", func(ctx context.Context, a *app.App) error {
				return a.Watch(ctx, c.Bool("now"))
			})(c)
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Show store and export state",
		Action: withApp("stats", func(ctx context.Context, a *app.App) error {
			s, err := a.Summary(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("tweets:          %s\n", humanize.Comma(s.Store.Tweets))
			fmt.Printf("conversations:   %s\n", humanize.Comma(s.Store.Conversations))
			fmt.Printf("target replies:  %s\n", humanize.Comma(s.Store.TargetReplies))
			fmt.Printf("newest tweet:    %s\n", epochString(s.Store.MaxEpoch))
			fmt.Printf("output:          %s\n", s.OutputPath)
			if s.OutputSize >= 0 {
				fmt.Printf("output size:     %s\n", humanize.Bytes(uint64(s.OutputSize)))
			}
			if s.Checkpoint == "" {
				fmt.Println("last export:     never")
			} else if epoch, err := strconv.ParseInt(s.Checkpoint, 10, 64); err == nil {
				fmt.Printf("last export:     up to %s\n", epochString(epoch))
			}
			return nil
		}),
	}
}

func epochString(epoch int64) string {
	if epoch <= 0 {
		return "unknown"
	}
	t := time.Unix(epoch, 0).UTC()
	return fmt.Sprintf("%s (%s)", t.Format(time.RFC3339), humanize.Time(t))
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage the configuration file",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write a default configuration file",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "force", Usage: "Overwrite an existing file"},
				},
				Action: func(c *cli.Context) error {
					path, err := configPath(c)
					if err != nil {
						return err
					}
					if _, err := os.Stat(path); err == nil && !c.Bool("force") {
						return fmt.Errorf("configuration file already exists at %s", path)
					}
					if err := config.Default().Save(path); err != nil {
						return err
					}
					fmt.Printf("Created default config at: %s\n", path)
					return nil
				},
			},
			{
				Name:  "show",
				Usage: "Print the effective configuration (secrets masked)",
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					return toml.NewEncoder(os.Stdout).Encode(cfg.Redacted())
				},
			},
			{
				Name:  "validate",
				Usage: "Check the effective configuration",
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					if err := cfg.Validate(); err != nil {
						return err
					}
					fmt.Println("configuration OK")
					return nil
				},
			},
		},
	}
}

func configPath(c *cli.Context) (string, error) {
	if p := c.String("config"); p != "" {
		return p, nil
	}
	return config.ConfigPath()
}

func openCommand() *cli.Command {
	return &cli.Command{
		Name:      "open",
		Usage:     "Open the config file, export, log or cache directory",
		ArgsUsage: "<config|output|logs|cache>",
		Action: func(c *cli.Context) error {
			target := c.Args().First()

			var path string
			var err error
			switch target {
			case "config":
				path, err = configPath(c)
			case "output", "logs":
				var cfg *config.Config
				cfg, err = loadConfig(c)
				if err == nil {
					path = cfg.Export.OutputPath
					if target == "logs" {
						path = cfg.Log.Dir
					}
				}
			case "cache":
				path, err = config.CacheDir()
				if err == nil {
					path = filepath.Join(path, "pages")
				}
			default:
				return fmt.Errorf("unknown target %q, want config, output, logs or cache", target)
			}
			if err != nil {
				return fmt.Errorf("failed to get path: %w", err)
			}

			if err := browser.OpenFile(path); err != nil {
				return fmt.Errorf("failed to open %s: %w", path, err)
			}
			return nil
		},
	}
}
