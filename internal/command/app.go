package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"yesman/internal/config"
)

type Deps struct {
	LoadConfig       func() config.Config
	RunServe         func(context.Context, config.Config) error
	RunMigrateUp     func(context.Context, config.Config) error
	ValidatePatterns func(context.Context, config.Config, string) error
	Version          string
}

func BuildApp(deps Deps) *cli.App {
	return &cli.App{
		Name:  "yesman",
		Usage: "tmux assistant prompt supervisor",
		Action: func(ctx *cli.Context) error {
			return runServe(ctx.Context, deps, loadConfig(deps))
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "start the supervisor and local API",
				Action: func(ctx *cli.Context) error {
					return runServe(ctx.Context, deps, loadConfig(deps))
				},
			},
			{
				Name:  "migrate",
				Usage: "run database migration",
				Subcommands: []*cli.Command{
					{
						Name:  "up",
						Usage: "apply pending migrations",
						Action: func(ctx *cli.Context) error {
							return runMigrateUp(ctx.Context, deps, loadConfig(deps))
						},
					},
				},
			},
			{
				Name:  "patterns",
				Usage: "manage prompt pattern files",
				Subcommands: []*cli.Command{
					{
						Name:      "validate",
						Usage:     "load a pattern directory and report errors",
						ArgsUsage: "[dir]",
						Action: func(ctx *cli.Context) error {
							cfg := loadConfig(deps)
							dir := ctx.Args().First()
							if dir == "" {
								dir = cfg.PatternDir
							}
							return validatePatterns(ctx.Context, deps, cfg, dir)
						},
					},
				},
			},
			{
				Name:  "version",
				Usage: "print the build version",
				Action: func(ctx *cli.Context) error {
					version := deps.Version
					if version == "" {
						version = "dev"
					}
					_, err := fmt.Fprintln(ctx.App.Writer, version)
					return err
				},
			},
		},
	}
}

func loadConfig(deps Deps) config.Config {
	if deps.LoadConfig != nil {
		return deps.LoadConfig()
	}
	return config.LoadConfig()
}

func runServe(ctx context.Context, deps Deps, cfg config.Config) error {
	if deps.RunServe == nil {
		return errors.New("serve runner is not configured")
	}
	return deps.RunServe(ctx, cfg)
}

func runMigrateUp(ctx context.Context, deps Deps, cfg config.Config) error {
	if deps.RunMigrateUp == nil {
		return errors.New("migrate up runner is not configured")
	}
	return deps.RunMigrateUp(ctx, cfg)
}

func validatePatterns(ctx context.Context, deps Deps, cfg config.Config, dir string) error {
	if deps.ValidatePatterns == nil {
		return errors.New("pattern validator is not configured")
	}
	return deps.ValidatePatterns(ctx, cfg, dir)
}
