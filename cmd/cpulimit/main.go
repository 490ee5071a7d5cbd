//go:build linux

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ja7ad/cpulimit/pkg/config"
	"github.com/ja7ad/cpulimit/pkg/exclude"
	"github.com/ja7ad/cpulimit/pkg/limiter"
	"github.com/ja7ad/cpulimit/pkg/logger"
	"github.com/ja7ad/cpulimit/pkg/metrics"
	"github.com/ja7ad/cpulimit/pkg/system/proc"
	"github.com/ja7ad/cpulimit/pkg/types"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type opts struct {
	pid        int
	exe        string
	limit      types.Limit
	configPath string
	verbose    bool
}

func main() {
	var o opts

	root := &cobra.Command{
		Use:   "cpulimit [flags] (-p PID | -e NAME | -- COMMAND [ARGS...])",
		Short: "Limit the CPU usage of a process",
		Long: `cpulimit keeps a process (and optionally its descendants) within a CPU
budget by stopping and continuing it with SIGSTOP/SIGCONT. It needs no
cgroup support: usage is measured from /proc and the stop/run duty cycle
is adjusted every period until usage converges to the limit.

The limit is a percentage of one CPU, so 150 means one and a half cores.

Examples:
  cpulimit -l 50 -p 12345
  cpulimit -l 25 -e ffmpeg --include-children
  cpulimit -l 150 -- make -j8`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd, o, args)
		},
	}

	def := limiter.DefaultConfig()
	flags := root.Flags()
	flags.IntVarP(&o.pid, "pid", "p", 0, "pid of the process to limit")
	flags.StringVarP(&o.exe, "exe", "e", "", "name or path of the executable to limit (oldest match wins)")
	flags.VarP(&o.limit, "limit", "l", "CPU limit in percent of one CPU, e.g. 50 or 150%")
	flags.BoolP("include-children", "i", false, "also limit every descendant of the target")
	flags.Duration("period", def.Period, "control period")
	flags.Duration("min-quantum", def.MinQuantum, "smallest run slice granted per period")
	flags.Float64("gain", def.Gain, "proportional gain of the controller (0..1]")
	flags.Float64("smoothing", def.Smoothing, "EMA alpha applied to measured usage, 0 disables it")
	flags.Int("uid", -1, "only limit processes owned by this uid (-1 = any)")
	flags.Bool("exclude-interactive", false, "never limit shells, sshd, init and the other excluded names")
	flags.String("exclude-file", exclude.DefaultPath, "exclusion list")
	flags.StringVar(&o.configPath, "config", "", "config file (default "+config.DefaultDir+"/"+config.DefaultName+".toml if present)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9100")
	flags.BoolVarP(&o.verbose, "verbose", "v", false, "shorthand for --log-level debug")

	err := root.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "cpulimit:", err)
	}
	os.Exit(limiter.ExitCode(err))
}

func run(ctx context.Context, cmd *cobra.Command, o opts, args []string) error {
	mode, err := selectMode(o, args)
	if err != nil {
		return err
	}

	cfg, err := config.Load(o.configPath, cmd.Flags())
	if err != nil {
		return err
	}
	if o.verbose && !cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = "debug"
	}
	log, err := logger.InitLogger(cfg.Logging.Level)
	if err != nil {
		return errors.Wrap(limiter.ErrInvalidConfig, err.Error())
	}
	ctx = log.WithContext(ctx)

	online := runtime.NumCPU()
	limit, err := cfg.ParseLimit(online)
	if err != nil {
		return err
	}

	if err := proc.CheckMounted(proc.DefaultRoot); err != nil {
		return err
	}
	fs := proc.NewFS(proc.DefaultRoot, exclude.NewFilter(loadExclusions(ctx, cfg.ExcludeFile)))

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	target, child, err := resolveTarget(ctx, fs, mode, o, args)
	if err != nil {
		return err
	}

	lc, err := cfg.Limiter(target, coresFor(ctx, target, limit, online))
	if err != nil {
		return err
	}

	ctrlOpts := []limiter.Option{
		limiter.WithOpener(fs.Opener()),
		limiter.WithAlive(func(pid int) bool { return proc.Alive(proc.DefaultRoot, pid) }),
	}
	if cfg.Metrics.Addr != "" {
		col := metrics.NewCollector(target)
		srv, err := metrics.NewServer(cfg.Metrics.Addr, col)
		if err != nil {
			return err
		}
		srv.Start(ctx)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				log.Warn().Err(err).Msg("metrics server shutdown")
			}
		}()
		ctrlOpts = append(ctrlOpts, limiter.WithRecorder(col))
	}

	ctrl, err := limiter.New(lc, ctrlOpts...)
	if err != nil {
		return err
	}
	sum, err := ctrl.Run(ctx)
	if child != nil {
		sum, err = child.settle(ctx, sum, err)
	}
	printSummary(os.Stdout, ctrl.Config(), sum)
	return err
}

// loadExclusions falls back to the built-in list when the file cannot be
// read. Unusable lines are logged and skipped.
func loadExclusions(ctx context.Context, path string) *exclude.List {
	log := zerolog.Ctx(ctx)
	list, warns, err := exclude.Load(path)
	if err != nil {
		log.Warn().Err(err).Str("file", path).Msg("exclusion list unreadable, using defaults")
		return exclude.DefaultList()
	}
	for _, w := range warns {
		log.Warn().Str("file", path).Msg(w.String())
	}
	log.Debug().Str("file", path).Int("names", list.Len()).Msg("exclusion list")
	return list
}

func printSummary(w io.Writer, cfg limiter.Config, s limiter.Summary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "\ncpulimit summary (pid %d, limit %s = %s, period %s):\n",
		cfg.Target, cfg.Limit, cfg.Limit.Humanized(), cfg.Period)
	fmt.Fprintf(tw, "- reason:\t%s\n", s.Reason)
	fmt.Fprintf(tw, "- elapsed:\t%s\n", s.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(tw, "- cpu time:\t%s\n", s.CPUTime.Round(time.Millisecond))
	fmt.Fprintf(tw, "- usage (overall):\t%.1f%%\n", s.Overall*100)
	fmt.Fprintf(tw, "- usage (mean):\t%.1f%%\n", s.Averages.Usage*100)
	fmt.Fprintf(tw, "- usage (peak):\t%.1f%%\n", s.PeakUsage*100)
	fmt.Fprintf(tw, "- duty cycle:\t%.1f%%\n", s.Averages.Duty*100)
	fmt.Fprintf(tw, "- periods:\t%d (%d throttled, %d pauses sent)\n", s.Periods, s.Throttled, s.Pauses)
	fmt.Fprintf(tw, "- peak members:\t%d\n", s.PeakMembers)
	fmt.Fprintf(tw, "- evictions:\t%d (%d signal failures)\n", s.Evictions, s.SignalFailures)
	_ = tw.Flush()
}
