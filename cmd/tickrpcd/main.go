// Command tickrpcd 以固定 tick 驱动一个仿真飞行器，并通过 tickrpc 对外提供调用与订阅。
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/legamerdc/tickrpc/internal/host"
	"github.com/legamerdc/tickrpc/internal/logger"
	"github.com/legamerdc/tickrpc/server"
	"github.com/legamerdc/tickrpc/service"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/fx"
	"go.uber.org/zap/zapcore"
)

var version = "dev"

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:           "tickrpcd",
		Short:         "Tick-driven RPC and stream server host",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (yaml, toml or json)")

	root.AddCommand(
		serveCmd(&cfgPath),
		proceduresCmd(),
		versionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// addServeFlags 参数默认值只用于帮助信息，实际默认值由 newViper 设置
func addServeFlags(fs *pflag.FlagSet) {
	d := server.DefaultConfig()
	fs.String("address", d.Address, "listen address")
	fs.Int("rpc-port", d.RPCPort, "rpc port, 0 for ephemeral")
	fs.Int("stream-port", d.StreamPort, "stream port, 0 for ephemeral")
	fs.Bool("auto-start", true, "start the server on launch")
	fs.Bool("auto-accept", false, "allow every connection request")
	fs.Duration("tick", d.TickInterval, "host tick interval")
	fs.String("admin-addr", "127.0.0.1:9477", "admin http address")
	fs.Bool("one-rpc", d.OneRPCPerUpdate, "execute at most one call per client per tick")
	fs.Duration("max-time", d.MaxTimePerUpdate, "rpc execution budget per tick")
	fs.Bool("adaptive", d.AdaptiveRateControl, "adapt the budget to the measured tick duration")
	fs.Duration("request-wait", d.RequestTimeout, "how long a connection request may stay undecided")
	fs.String("vessel", "Kerbal X", "simulated vessel name")
	fs.String("log-level", "info", "log levels, e.g. server=debug,info")
	fs.String("log-format", "console", "console or json")
}

func serveCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the host loop, the tickrpc server and the admin endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			v := newViper()
			if err := bindFlags(v, cmd.Flags()); err != nil {
				return err
			}
			s, err := loadSettings(v, *cfgPath)
			if err != nil {
				return err
			}
			setupLogger(s)
			defer func() { _ = logger.Sync() }()

			reload := func() (server.Config, error) {
				ns, err := loadSettings(v, *cfgPath)
				if err != nil {
					return server.Config{}, err
				}
				return ns.Server, nil
			}
			return run(cmd.Context(), newApp(s, reload))
		},
	}
	addServeFlags(cmd.Flags())
	return cmd
}

func setupLogger(s *Settings) {
	cfg := logger.ParseConfig(s.LogLevel, s.LogFormat)
	logger.SetDefault(logger.New(cfg, zapcore.Lock(os.Stderr)), cfg)
}

// run 启动应用，等待信号或内部关闭请求后停止
func run(ctx context.Context, app *fx.App) error {
	startCtx, cancel := context.WithTimeout(ctx, app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}

	var code int
	select {
	case sig := <-app.Wait():
		code = sig.ExitCode
	case <-ctx.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), app.StopTimeout())
	defer cancel()
	if err := app.Stop(stopCtx); err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("exit code %d", code)
	}
	return nil
}

func proceduresCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "procedures",
		Short: "List the procedures exposed by the simulated vessel",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg := service.NewRegistry()
			if err := host.NewSim("").Register(reg); err != nil {
				return err
			}
			for _, name := range reg.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
