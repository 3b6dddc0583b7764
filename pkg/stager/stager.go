// Package stager uploads the generated input set of a run to the object store.
package stager

import (
	"context"
	"fmt"

	"github.com/ethpandaops/sweepoor/pkg/inputgen"
	"github.com/ethpandaops/sweepoor/pkg/storage"
	"github.com/ethpandaops/sweepoor/pkg/sweep"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Stager prepares the inputs of a run in the object store.
type Stager interface {
	// Stage generates and uploads the inputs of spec. Re-staging the same
	// spec overwrites the same keys.
	Stage(ctx context.Context, spec sweep.RunSpec) (sweep.StagedInput, error)
}

// RunManifest is written next to the inputs as run.yaml.
type RunManifest struct {
	RunKey     sweep.RunKey       `yaml:"run_key"`
	KPoints    sweep.KPointConfig `yaml:"kpoints"`
	Functional sweep.Functional   `yaml:"functional"`
	Device     sweep.Device       `yaml:"device"`
	Nodes      int                `yaml:"nodes"`
	Files      []string           `yaml:"files"`
}

type stager struct {
	log   logrus.FieldLogger
	store storage.Store
	gen   inputgen.Generator
}

var _ Stager = (*stager)(nil)

// New creates a stager. It holds no per-run state and is safe for
// concurrent use.
func New(log logrus.FieldLogger, store storage.Store, gen inputgen.Generator) Stager {
	return &stager{
		log:   log.WithField("component", "stager"),
		store: store,
		gen:   gen,
	}
}

// Stage implements Stager.
func (s *stager) Stage(ctx context.Context, spec sweep.RunSpec) (sweep.StagedInput, error) {
	key := spec.Key()
	log := s.log.WithField("run_key", key)

	files, err := s.gen.Generate(spec.Functional, spec.KPoints)
	if err != nil {
		return sweep.StagedInput{}, fmt.Errorf("%w: %s: %w", sweep.ErrInputGeneration, key, err)
	}

	names := files.Names()

	for _, name := range names {
		if err := s.store.Put(ctx, storage.InputKey(key, name), files[name], "text/plain"); err != nil {
			return sweep.StagedInput{}, fmt.Errorf("%w: %s: %w", sweep.ErrStorageWrite, key, err)
		}
	}

	manifest, err := yaml.Marshal(&RunManifest{
		RunKey:     key,
		KPoints:    spec.KPoints,
		Functional: spec.Functional,
		Device:     spec.Device,
		Nodes:      spec.Nodes,
		Files:      names,
	})
	if err != nil {
		return sweep.StagedInput{}, fmt.Errorf("%w: %s: encoding manifest: %w", sweep.ErrInputGeneration, key, err)
	}

	if err := s.store.Put(
		ctx, storage.InputKey(key, storage.RunManifestFile), manifest, "application/yaml",
	); err != nil {
		return sweep.StagedInput{}, fmt.Errorf("%w: %s: %w", sweep.ErrStorageWrite, key, err)
	}

	location := s.store.URI(storage.InputPrefix(key))

	log.WithFields(logrus.Fields{
		"files":    len(names) + 1,
		"location": location,
	}).Debug("Staged run inputs")

	return sweep.StagedInput{
		RunKey:   key,
		Location: location,
	}, nil
}
