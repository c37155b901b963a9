package main

import (
	"context"
	"fmt"
	"time"

	"chaincrunch/internal/cfg"
	"chaincrunch/internal/crunch"
	"chaincrunch/internal/logger"
	"chaincrunch/internal/mode"
	"chaincrunch/internal/monitor"
	"chaincrunch/internal/supervisor"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	version     = "0.3.0"
	description = "ERC20 transfers scanner and reporter"
)

// flags holds the raw command line values.
type flags struct {
	config        string
	view          bool
	era           bool
	debug         bool
	rpc           string
	from          uint64
	contract      string
	bucket        string
	region        string
	reportDir     string
	metrics       string
	logOutput     string
	cancelAfter   time.Duration
	safetyTimeout time.Duration
	drainTimeout  time.Duration
}

// newRootCmd builds the chaincrunch command.
func newRootCmd() *cobra.Command {
	fl := &flags{}

	cmd := &cobra.Command{
		Use:           "chaincrunch",
		Short:         description,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			con, err := cfg.Load(fl.config, fl.overrides(cmd))
			if err != nil {
				return fmt.Errorf("can not load configuration; %w", err)
			}
			return run(cmd.Context(), con)
		},
	}

	fl.register(cmd)
	return cmd
}

// register binds the flags to the command.
func (fl *flags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVarP(&fl.config, "config", "c", "", "Path of the YAML configuration file.")
	f.BoolVar(&fl.view, "view", false, "Print a report of the latest blocks and exit.")
	f.BoolVar(&fl.era, "era", false, "Follow new chain heads.")
	f.BoolVar(&fl.debug, "debug", false, "Enable debug logging.")
	f.StringVar(&fl.rpc, "rpc", "", "Address of the chain node RPC interface.")
	f.Uint64Var(&fl.from, "from", 0, "Numeric ID of the first loaded block.")
	f.StringVar(&fl.contract, "contract", "", "Address of the contract being scanned for ERC20 transfers.")
	f.StringVar(&fl.bucket, "bucket", "", "S3 bucket receiving the transactions and reports.")
	f.StringVar(&fl.region, "region", "", "AWS region of the S3 bucket.")
	f.StringVar(&fl.reportDir, "report-dir", "", "Local directory for reports when no bucket is set.")
	f.StringVar(&fl.metrics, "metrics", "", "Listen address of the Prometheus metrics endpoint.")
	f.StringVar(&fl.logOutput, "log-output", "", "Log output: stdout, stderr or a file path.")
	f.DurationVar(&fl.cancelAfter, "cancel-after", 0, "Delay of the internal cancellation.")
	f.DurationVar(&fl.safetyTimeout, "safety-timeout", 0, "Upper bound of the supervised task.")
	f.DurationVar(&fl.drainTimeout, "drain-timeout", 0, "Time given to dependent work on shutdown.")
}

// overrides applies the flags explicitly set on the command line.
func (fl *flags) overrides(cmd *cobra.Command) func(*cfg.Config) {
	set := cmd.Flags().Changed
	return func(c *cfg.Config) {
		if set("view") {
			c.OnlyView = fl.view
		}
		if set("era") {
			c.IsModeEra = fl.era
		}
		if set("debug") {
			c.IsDebug = fl.debug
		}
		if set("rpc") {
			c.RpcURI = fl.rpc
		}
		if set("from") {
			c.StartBlock = fl.from
		}
		if set("contract") {
			c.Contract = fl.contract
		}
		if set("bucket") {
			c.AwsS3Bucket = fl.bucket
		}
		if set("region") {
			c.AwsRegion = fl.region
		}
		if set("report-dir") {
			c.ReportDir = fl.reportDir
		}
		if set("metrics") {
			c.MetricsAddr = fl.metrics
		}
		if set("log-output") {
			c.Log.Output = fl.logOutput
		}
		if set("cancel-after") {
			c.Supervisor.CancelDelay = fl.cancelAfter
		}
		if set("safety-timeout") {
			c.Supervisor.SafetyTimeout = fl.safetyTimeout
		}
		if set("drain-timeout") {
			c.Supervisor.DrainTimeout = fl.drainTimeout
		}
	}
}

// run dispatches the configured mode.
func run(ctx context.Context, con *cfg.Config) error {
	// logging failures are not fatal, we keep writing to stderr
	_ = logger.Init(con.IsDebug, con.Log.Output, con.Log.MaxAge)

	log := logger.Component("main")
	log.Infof("chaincrunch v%s * %s", version, description)
	log.WithFields(logrus.Fields{"rpc": con.RpcURI, "contract": con.ScanContract.Hex()}).Debug("configuration loaded")

	return execute(ctx, con, crunch.New(con), supervisor.NewOSInterrupt())
}

// execute runs the mode with the metrics endpoint up for the whole process run.
// An interrupt stops the running mode; flakes then continues into supervision.
func execute(ctx context.Context, con *cfg.Config, col mode.Collaborators, intr supervisor.Interrupter) error {
	var ms *metricsServer
	if con.MetricsAddr != "" {
		ms = startMetrics(ctx, con.MetricsAddr)
		defer ms.stop()
	}

	modeCtx, stop := interruptible(ctx, intr)
	defer stop()

	_, err := mode.Dispatch(modeCtx, con, col, supervise(con, intr, ms))
	return err
}

// interruptible derives a context cancelled by the interrupter.
// The returned stop function releases the listener and waits for it.
func interruptible(parent context.Context, intr supervisor.Interrupter) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	log := logger.Component("main")

	go func() {
		defer close(done)

		err := intr.Wait(ctx)
		switch {
		case err == nil:
			log.Info("interrupt received, stopping")
			cancel()
		case ctx.Err() == nil:
			log.WithError(err).Warn("unable to listen for interrupt")
		}
	}()

	return ctx, func() {
		cancel()
		<-done
	}
}

// metricsServer is the Prometheus endpoint running next to the modes.
type metricsServer struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// startMetrics serves the metrics until stopped.
func startMetrics(ctx context.Context, addr string) *metricsServer {
	ctx, cancel := context.WithCancel(ctx)
	ms := &metricsServer{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(ms.done)
		ms.err = monitor.Serve(ctx, addr)
	}()
	return ms
}

// stop shuts the server down and waits for it; it may be called repeatedly.
func (ms *metricsServer) stop() error {
	ms.cancel()
	<-ms.done
	return ms.err
}

// supervise provides the supervised shutdown path of the flakes mode.
// The metrics endpoint, if any, is stopped as dependent work of the supervisor.
func supervise(con *cfg.Config, intr supervisor.Interrupter, ms *metricsServer) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		sv := supervisor.New(supervisor.Options{
			CancelDelay:   con.Supervisor.CancelDelay,
			SafetyTimeout: con.Supervisor.SafetyTimeout,
			DrainTimeout:  con.Supervisor.DrainTimeout,
		}, intr, nil)

		if ms != nil {
			sv.Go("metrics", func(ctx context.Context) error {
				select {
				case <-ctx.Done():
				case <-ms.done:
				}
				return ms.stop()
			})
		}

		_, err := sv.Run(ctx)
		return err
	}
}
