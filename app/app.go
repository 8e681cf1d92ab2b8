// Package app wires the cli surface to the supervision core via fx.
package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tetherlab/tether/config"
	"github.com/tetherlab/tether/internal/execution/supervisor"
	"github.com/tetherlab/tether/internal/shell"
	"github.com/tetherlab/tether/util/conf"
	"github.com/tetherlab/tether/util/logging"
	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func New(ctx *cli.Context) (*shell.Shell, error) {
	log, err := logging.LoggerFromContext(ctx.Context)
	if err != nil {
		return nil, err
	}

	cfg, err := conf.GetConfigFromContext[config.Config](ctx.Context)
	if err != nil {
		return nil, err
	}

	sharedModule := fx.Module(
		"shared",
		// provide global config
		fx.Supply(cfg),
		// provide supervisor config
		fx.Supply(cfg.Supervisor),
	)

	return shell.New(log, sharedModule), nil
}

// SuperviseParams describes the worker command the supervise module
// boots and holds until shutdown.
type SuperviseParams struct {
	Cmd            string
	Args           []string
	ReadyTimeout   time.Duration
	RequestTimeout time.Duration
}

// SuperviseModule spawns one supervised worker on start, verifies it
// answers a ping, and tears the supervisor down on stop.
func SuperviseModule(params SuperviseParams) fx.Option {
	return fx.Module(
		"supervise",
		logging.DecorateLogger("supervise"),
		fx.Provide(newSupervisor),
		fx.Invoke(registerSupervise(params)),
	)
}

func newSupervisor(ctx context.Context, cfg supervisor.Config, log *zap.Logger) (*supervisor.Supervisor, error) {
	return supervisor.New(supervisor.Params{
		Context: ctx,
		Config:  cfg,
		Log:     log,
	})
}

func registerSupervise(params SuperviseParams) any {
	return func(
		lc fx.Lifecycle,
		shutdowner fx.Shutdowner,
		sup *supervisor.Supervisor,
		log *zap.Logger,
	) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				h, err := sup.Spawn(ctx, supervisor.StartConfig{
					Cmd:  params.Cmd,
					Args: params.Args,
				})
				if err != nil {
					return err
				}

				if err := sup.AwaitReady(ctx, h, params.ReadyTimeout); err != nil {
					return err
				}

				ping, _ := json.Marshal(map[string]string{"op": "ping"})
				res, err := sup.Request(ctx, h, ping, params.RequestTimeout)
				if err != nil {
					return err
				}

				log.Info("worker ready",
					zap.Int("pid", h.Pid()),
					zap.ByteString("response", res),
				)

				// leave when the worker does
				go func() {
					<-h.Done()
					shutdowner.Shutdown()
				}()

				return nil
			},
			OnStop: func(ctx context.Context) error {
				return sup.Shutdown(ctx)
			},
		})
	}
}
