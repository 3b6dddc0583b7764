package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/ethpandaops/sweepoor/pkg/batch"
	"github.com/ethpandaops/sweepoor/pkg/config"
	"github.com/ethpandaops/sweepoor/pkg/docker"
	"github.com/spf13/cobra"
)

var (
	forceCleanup   bool
	cleanupSweepID string
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove containers left behind by the local batch backend",
	Long: `Remove all containers created by the local batch backend, across Docker
and Podman. This is useful after interrupted sweeps, since sweepoor never
removes jobs that were still running when it stopped watching them.`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVarP(&forceCleanup, "force", "f", false, "Skip confirmation prompt")
	cleanupCmd.Flags().StringVar(&cleanupSweepID, "sweep", "", "Only remove containers of this sweep")
}

// managedContainer associates a container with the manager that owns it.
type managedContainer struct {
	info docker.ContainerInfo
	mgr  docker.ContainerManager
}

func runCleanup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	managers := buildCleanupManagers(ctx)
	if len(managers) == 0 {
		return fmt.Errorf("no container runtimes available (tried Docker and Podman)")
	}

	defer func() {
		for _, mgr := range managers {
			if err := mgr.Stop(); err != nil {
				log.WithError(err).Warn("Failed to stop container manager")
			}
		}
	}()

	return performCleanup(ctx, managers, cleanupSweepID, forceCleanup, os.Stdin, os.Stdout)
}

// performCleanup lists and removes the managed containers of all runtimes.
// A non-empty sweepID restricts removal to that sweep.
func performCleanup(
	ctx context.Context,
	managers []docker.ContainerManager,
	sweepID string,
	force bool,
	in io.Reader,
	out io.Writer,
) error {
	var containers []managedContainer

	for _, mgr := range managers {
		cl, err := mgr.ListContainers(ctx)
		if err != nil {
			log.WithError(err).Warn("Failed to list containers from a runtime")
		}

		for _, c := range cl {
			if sweepID != "" && c.Labels[docker.LabelSweepID] != sweepID {
				continue
			}

			containers = append(containers, managedContainer{info: c, mgr: mgr})
		}
	}

	if len(containers) == 0 {
		log.Info("No sweepoor containers found")

		return nil
	}

	fmt.Fprintf(out, "\nContainers to be removed (%d):\n", len(containers))

	for _, c := range containers {
		fmt.Fprintf(out, "  - %s (%s, run %s)\n",
			c.info.Name, shortContainerID(c.info.ID), c.info.Labels[docker.LabelRunKey])
	}

	fmt.Fprintln(out)

	if !force {
		ok, err := confirm(in, out, "Are you sure you want to remove these containers? [y/N] ")
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}

		if !ok {
			log.Info("Cleanup cancelled")

			return nil
		}
	}

	removed := 0

	for _, c := range containers {
		log.WithField("container", c.info.Name).Info("Removing container")

		if err := c.mgr.RemoveContainer(ctx, c.info.ID); err != nil {
			log.WithError(err).WithField("container", c.info.Name).Warn("Failed to remove container")

			continue
		}

		removed++
	}

	log.WithField("removed", removed).Info("Cleanup completed")

	return nil
}

// buildCleanupManagers tries to create and start container managers for both
// Docker and Podman. Runtimes that are unavailable (e.g. socket missing) are
// silently skipped. The caller is responsible for stopping all returned managers.
func buildCleanupManagers(ctx context.Context) []docker.ContainerManager {
	managers := make([]docker.ContainerManager, 0, 2)

	for _, runtime := range []string{config.RuntimeDocker, config.RuntimePodman} {
		mgr, err := batch.NewContainerManager(log, runtime)
		if err != nil {
			log.WithError(err).WithField("runtime", runtime).Debug("Runtime not available for cleanup")

			continue
		}

		if err := mgr.Start(ctx); err != nil {
			log.WithError(err).WithField("runtime", runtime).Debug("Failed to start manager for cleanup")

			continue
		}

		managers = append(managers, mgr)
	}

	return managers
}

func shortContainerID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}

	return id
}
