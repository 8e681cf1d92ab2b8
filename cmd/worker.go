package cmd

import (
	"context"
	"encoding/json"

	"github.com/tetherlab/tether/config"
	"github.com/tetherlab/tether/runtime"
	"github.com/tetherlab/tether/util/conf"
	"github.com/tetherlab/tether/util/logging"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var (
	workerCmdDescription = `The worker command runs the built-in echo worker. It reads
	its channel id and protocol version from the environment,
	connects to the supervisor's endpoint, and echoes every
	request back until the supervisor closes the channel.

	It exists for harnesses and smoke tests; real workers link
	the runtime package into their own binaries.`
	workerCmd = &cli.Command{
		Name:        "worker",
		Usage:       "Run the built-in echo worker.",
		Description: workerCmdDescription,
		Action:      workerAction,
	}
)

func workerAction(ctx *cli.Context) error {
	log, err := logging.LoggerFromContext(ctx.Context)
	if err != nil {
		return err
	}

	cfg, err := conf.GetConfigFromContext[config.Config](ctx.Context)
	if err != nil {
		return err
	}

	rtConfig, err := runtime.ConfigFromEnv()
	if err != nil {
		log.Error("invalid worker environment", zap.Error(err))
		return cli.Exit("invalid worker environment", 2)
	}

	rtConfig.IPC = cfg.Worker.IPC
	rtConfig.DialRetries = cfg.Worker.DialRetries
	rtConfig.DialBackoff = cfg.Worker.DialBackoff

	rt := runtime.New(rtConfig, echoHandler, log)

	if err := rt.Run(ctx.Context); err != nil {
		log.Error("worker terminated abnormally", zap.Error(err))
		return cli.Exit("worker terminated abnormally", runtime.ExitCode(err))
	}

	return nil
}

// echoHandler answers pings with pongs and echoes everything else
// back unchanged.
func echoHandler(_ context.Context, payload []byte) ([]byte, error) {
	var msg map[string]any
	if err := json.Unmarshal(payload, &msg); err == nil {
		if op, ok := msg["op"].(string); ok && op == "ping" {
			return json.Marshal(map[string]string{"op": "pong"})
		}
	}

	return payload, nil
}

func init() {
	rootApp.Commands = append(rootApp.Commands, workerCmd)
}
