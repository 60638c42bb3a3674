package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/pingcap/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tickrunq/internal/irq"
	"tickrunq/internal/job"
	"tickrunq/internal/logutil"
	"tickrunq/internal/metrics"
	"tickrunq/internal/runq"
	"tickrunq/internal/sched"
	"tickrunq/internal/taskctx"
)

type options struct {
	configPath  string
	tasks       int
	timeout     time.Duration
	csvPath     string
	logLevel    string
	sliceTicks  int
	levels      int
	dumpMetrics bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "ticksched",
		Short:         "Drive the run queue with a simulated timer interrupt",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return run(ctx, cmd, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "config.yml", "path of the YAML config")
	flags.IntVarP(&opts.tasks, "tasks", "n", 6, "number of tasks to admit")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "stop the simulation after this long")
	flags.StringVar(&opts.csvPath, "csv", "", "write the event trace to this CSV file")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level")
	flags.IntVar(&opts.sliceTicks, "slice-ticks", 0, "override slice_ticks from the config")
	flags.IntVar(&opts.levels, "priority-levels", 0, "override priority_levels from the config")
	flags.BoolVar(&opts.dumpMetrics, "metrics", false, "print run queue metrics on exit")
	return cmd
}

func run(ctx context.Context, cmd *cobra.Command, opts *options) error {
	if err := logutil.InitLogger(opts.logLevel); err != nil {
		return err
	}
	logger := logutil.BgLogger()
	defer func() { _ = logger.Sync() }()

	// Read the configuration
	cfg, err := sched.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.sliceTicks > 0 {
		cfg.SliceTicks = opts.sliceTicks
	}
	if opts.levels > 0 {
		cfg.PriorityLevels = opts.levels
	}
	if opts.tasks <= 0 || opts.tasks > cfg.MaxTasks {
		return errors.Errorf("--tasks must be in [1, %d]", cfg.MaxTasks)
	}
	logger.Info("loaded config", zap.Any("config", cfg))

	reg := prometheus.NewRegistry()
	metrics.RegisterMetrics(reg)

	cpu := irq.Local()
	runq.InitWith(cfg, cpu)

	interval := time.Duration(cfg.TickMS) * time.Millisecond
	sim := newSimulator(cpu, interval, cmd.OutOrStdout())
	if opts.csvPath != "" {
		if err := sim.EnableCSVLogging(opts.csvPath); err != nil {
			return err
		}
	}
	for _, t := range buildWorkload(opts.tasks, cfg) {
		sim.admit(t)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	clock := irq.NewTickClock(cpu)
	clock.Start(ctx, interval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return sim.run(gctx)
	})
	g.Go(func() error {
		<-clock.Done()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("simulation finished",
		zap.Int64("hw-ticks", clock.Count()),
		zap.Int64("unfinished", sim.live.Load()))
	if opts.dumpMetrics {
		return dumpMetrics(cmd.OutOrStdout(), reg)
	}
	return nil
}

// buildWorkload creates n tasks mixing CPU-bound, sleeping and I/O-bound bodies.
func buildWorkload(n int, cfg sched.Config) []*taskctx.Task {
	tick := int64(cfg.TickMS)
	tasks := make([]*taskctx.Task, 0, n)
	for i := 0; i < n; i++ {
		id := taskctx.TaskID(i + 1)
		prio := (i * 7) % (taskctx.MaxPriority + 1)
		var t *taskctx.Task
		switch i % 3 {
		case 0:
			t = taskctx.NewTask(id, prio, job.SleepWork(tick*int64(3*cfg.SliceTicks))).WithName("cpu")
		case 1:
			t = taskctx.NewTask(id, prio, job.Napper(tick*2, 4, 3)).WithName("napper")
		default:
			t = taskctx.NewTask(id, prio, job.IOBound(tick, 3, 4)).WithName("io")
		}
		t.OnDrop(func(d *taskctx.Task) {
			logutil.BgLogger().Debug("task dropped", zap.Stringer("task", d))
		})
		tasks = append(tasks, t)
	}
	return tasks
}

func dumpMetrics(w io.Writer, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return errors.Trace(err)
	}
	for _, f := range families {
		for _, m := range f.GetMetric() {
			var v float64
			switch {
			case m.GetCounter() != nil:
				v = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				v = m.GetGauge().GetValue()
			}
			labels := ""
			for _, lp := range m.GetLabel() {
				labels += fmt.Sprintf("{%s=%q}", lp.GetName(), lp.GetValue())
			}
			fmt.Fprintf(w, "%s%s %g\n", f.GetName(), labels, v)
		}
	}
	return nil
}
