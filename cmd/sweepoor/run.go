package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/ethpandaops/sweepoor/pkg/batch"
	"github.com/ethpandaops/sweepoor/pkg/collect"
	"github.com/ethpandaops/sweepoor/pkg/config"
	"github.com/ethpandaops/sweepoor/pkg/docker"
	"github.com/ethpandaops/sweepoor/pkg/inputgen"
	"github.com/ethpandaops/sweepoor/pkg/ledger"
	"github.com/ethpandaops/sweepoor/pkg/monitor"
	"github.com/ethpandaops/sweepoor/pkg/pipeline"
	"github.com/ethpandaops/sweepoor/pkg/stager"
	"github.com/ethpandaops/sweepoor/pkg/storage"
	"github.com/ethpandaops/sweepoor/pkg/submit"
	"github.com/ethpandaops/sweepoor/pkg/sweep"
	"github.com/ethpandaops/sweepoor/pkg/sysinfo"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	assumeYes bool
	dryRun    bool
	outputDir string
	noLedger  bool
)

func init() {
	rootCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Submit without the confirmation prompt")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the run matrix and exit")
	rootCmd.Flags().StringVar(&outputDir, "output-dir", ".", "Directory receiving the plots and summary")
	rootCmd.Flags().BoolVar(&noLedger, "no-ledger", false, "Do not record the sweep in the database")
}

// loadConfig loads and validates the config file. The log level from the
// file applies unless --log-level was given.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if cfgFile == "" {
		return nil, fmt.Errorf("%w: config file is required (use --config)", sweep.ErrInvalidConfiguration)
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("%w: loading config: %w", sweep.ErrInvalidConfiguration, err)
	}

	if !cmd.Flags().Changed("log-level") {
		level, err := logrus.ParseLevel(cfg.Global.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid global.log_level %q", sweep.ErrInvalidConfiguration, cfg.Global.LogLevel)
		}

		log.SetLevel(level)
	}

	return cfg, nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.Storage.Bucket == config.DefaultBucket {
		log.WithField("bucket", cfg.Storage.Bucket).Warn("Using the default bucket, set storage.bucket to override")
	}

	gen, structure, err := inputgen.NewFromFile(cfg.Sweep.Structure, cfg.Sweep.IncarOverrides)
	if err != nil {
		return fmt.Errorf("%w: %w", sweep.ErrInvalidConfiguration, err)
	}

	axes, err := cfg.Axes()
	if err != nil {
		return err
	}

	specs, err := sweep.BuildMatrix(axes)
	if err != nil {
		return err
	}

	sweepID := newSweepID(cfg.Global.SweepIDPrefix)

	log.WithFields(logrus.Fields{
		"sweep_id":  sweepID,
		"runs":      len(specs),
		"structure": cfg.Sweep.Structure,
		"sites":     structure.NumSites(),
		"backend":   cfg.Batch.Backend,
	}).Info("Sweep planned")

	if dryRun {
		printPlan(os.Stdout, sweepID, specs)

		return nil
	}

	if !assumeYes {
		ok, err := confirm(os.Stdin, os.Stdout,
			fmt.Sprintf("Submit %d jobs to %s? [y/N] ", len(specs), cfg.Batch.Backend))
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}

		if !ok {
			log.Info("Sweep cancelled")

			return nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	store, err := storage.New(log, &cfg.Storage)
	if err != nil {
		return err
	}

	if err := store.Preflight(ctx); err != nil {
		return fmt.Errorf("%w: storage preflight: %w", sweep.ErrInvalidConfiguration, err)
	}

	mounts, err := storeMounts(&cfg.Storage)
	if err != nil {
		return err
	}

	client, stopClient, err := batch.New(ctx, log, &cfg.Batch, mounts)
	if err != nil {
		return err
	}

	defer func() {
		if err := stopClient(); err != nil {
			log.WithError(err).Warn("Failed to stop batch client")
		}
	}()

	mon, err := monitor.New(client, log, monitor.Options{
		PollInterval: cfg.Monitor.PollInterval,
		Timeout:      cfg.Monitor.Timeout,
		OnTransition: func(h *sweep.JobHandle, from, to sweep.JobState) {
			log.WithFields(logrus.Fields{
				"run_key": h.RunKey,
				"job_id":  h.JobID,
				"from":    from,
				"to":      to,
			}).Debug("Job state changed")
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %w", sweep.ErrInvalidConfiguration, err)
	}

	var ldg ledger.Store

	if !noLedger {
		s := ledger.NewStore(log, &cfg.Database)
		if err := s.Start(ctx); err != nil {
			log.WithError(err).Warn("Sweep ledger unavailable, continuing without it")
		} else {
			ldg = s

			defer func() {
				if err := s.Stop(); err != nil {
					log.WithError(err).Warn("Failed to stop sweep ledger")
				}
			}()
		}
	}

	host, err := sysinfo.Collect(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to collect system info")
	}

	p := pipeline.New(
		log,
		stager.New(log, store, gen),
		submit.New(log, client, store, submit.OptionsFromConfig(cfg, sweepID)),
		mon,
		collect.New(log, store),
		store,
		ldg,
		pipeline.Options{
			SweepID:         sweepID,
			Specs:           specs,
			Concurrency:     cfg.Sweep.Concurrency,
			ComparisonNodes: cfg.Sweep.ComparisonNodes,
			OutputDir:       outputDir,
			ScalingPlot:     cfg.Report.ScalingPlot,
			ComparisonPlot:  cfg.Report.ComparisonPlot,
			SummaryFile:     cfg.Report.Summary,
			Backend:         cfg.Batch.Backend,
			Bucket:          cfg.Storage.Bucket,
			Image:           cfg.Batch.Image,
			Labels:          cfg.Sweep.Labels,
			System:          host,
		},
	)

	out, err := p.Run(ctx)
	if out != nil {
		fmt.Fprintln(os.Stdout)
		out.Summary.Print(os.Stdout)
	}

	if err != nil {
		if errors.Is(err, sweep.ErrNoSuccessfulRuns) {
			return fmt.Errorf("sweep %s: %w", sweepID, err)
		}

		return err
	}

	log.WithField("sweep_id", sweepID).Info("Sweep completed")

	return nil
}

// newSweepID returns prefix followed by a short random suffix.
func newSweepID(prefix string) string {
	return prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// storeMounts bind-mounts a local store into job containers at the same
// path, so the file:// URIs handed to jobs resolve inside them.
func storeMounts(cfg *config.StorageConfig) ([]docker.Mount, error) {
	if cfg.Local == nil || !cfg.Local.Enabled {
		return nil, nil
	}

	dir, err := filepath.Abs(cfg.Local.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolving local storage dir: %w", err)
	}

	return []docker.Mount{{Source: dir, Target: dir}}, nil
}

// confirm writes prompt and reports whether the answer was yes.
func confirm(in io.Reader, out io.Writer, prompt string) (bool, error) {
	fmt.Fprint(out, prompt)

	response, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}

	response = strings.TrimSpace(strings.ToLower(response))

	return response == "y" || response == "yes", nil
}

func printPlan(w io.Writer, sweepID string, specs []sweep.RunSpec) {
	fmt.Fprintf(w, "Sweep %s: %d runs\n\n", sweepID, len(specs))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN KEY\tKPOINTS\tFUNCTIONAL\tDEVICE\tNODES")

	for _, s := range specs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", s.Key(), s.KPoints.Name, s.Functional, s.Device, s.Nodes)
	}

	tw.Flush()
}
