package cmd

import (
	"time"

	"github.com/tetherlab/tether/app"
	"github.com/urfave/cli/v2"
)

var (
	runCmdDescription = `The run command spawns the given worker command under
	supervision. The worker is launched with a fresh channel id,
	authenticated, and pinged once it reports ready. The command
	then blocks until the worker exits or a shutdown signal
	arrives; on shutdown every worker is terminated via the
	process group.`
	runCmd = &cli.Command{
		Name:        "run",
		Usage:       "Spawn and supervise a worker command.",
		Description: runCmdDescription,
		Action:      runAction,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "command",
				Usage:    "the command to invoke in order to start the worker process.",
				Aliases:  []string{"c"},
				Category: "worker",
				EnvVars:  []string{"WORKER_COMMAND"},
				Required: true,
			},
			&cli.StringSliceFlag{
				Name:     "arg",
				Usage:    "additional arguments to pass to the worker process.",
				Aliases:  []string{"a"},
				Category: "worker",
				EnvVars:  []string{"WORKER_ARGS"},
			},
			&cli.DurationFlag{
				Name:     "ready-timeout",
				Usage:    "how long to wait for the worker to become active.",
				Value:    10 * time.Second,
				Category: "worker",
				EnvVars:  []string{"WORKER_READY_TIMEOUT"},
			},
			&cli.DurationFlag{
				Name:     "request-timeout",
				Usage:    "timeout for the initial ping request.",
				Value:    5 * time.Second,
				Category: "worker",
				EnvVars:  []string{"WORKER_REQUEST_TIMEOUT"},
			},
		},
	}
)

func runAction(ctx *cli.Context) error {
	module := app.SuperviseModule(app.SuperviseParams{
		Cmd:            ctx.String("command"),
		Args:           ctx.StringSlice("arg"),
		ReadyTimeout:   ctx.Duration("ready-timeout"),
		RequestTimeout: ctx.Duration("request-timeout"),
	})

	shell, err := app.New(ctx)
	if err != nil {
		return err
	}

	return shell.Run(ctx.Context, module)
}

func init() {
	rootApp.Commands = append(rootApp.Commands, runCmd)
}
