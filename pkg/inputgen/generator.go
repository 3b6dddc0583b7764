// Package inputgen writes VASP input sets for a sweep run.
package inputgen

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/ethpandaops/sweepoor/pkg/sweep"
)

// Input file names.
const (
	FileINCAR      = "INCAR"
	FileKPOINTS    = "KPOINTS"
	FilePOSCAR     = "POSCAR"
	FilePOTCARSpec = "POTCAR.spec"
)

// FileSet maps an input file name to its content.
type FileSet map[string][]byte

// Names returns the file names in sorted order.
func (fs FileSet) Names() []string {
	return slices.Sorted(maps.Keys(fs))
}

// Generator produces the input set of one run.
type Generator interface {
	Generate(f sweep.Functional, k sweep.KPointConfig) (FileSet, error)
}

type generator struct {
	structure *Structure
	overrides map[string]string
}

var _ Generator = (*generator)(nil)

// New returns a generator for a parsed structure. overrides are applied on
// top of the functional tags; nil means DefaultOverrides.
func New(structure *Structure, overrides map[string]string) Generator {
	if overrides == nil {
		overrides = DefaultOverrides()
	}

	return &generator{
		structure: structure,
		overrides: overrides,
	}
}

// NewFromFile parses the POSCAR at path and returns a generator for it.
func NewFromFile(path string, overrides map[string]string) (Generator, *Structure, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening structure file: %w", err)
	}
	defer func() { _ = f.Close() }()

	s, err := ParsePOSCAR(f)
	if err != nil {
		return nil, nil, fmt.Errorf("loading structure from %s: %w", path, err)
	}

	return New(s, overrides), s, nil
}

// Generate implements Generator.
func (g *generator) Generate(f sweep.Functional, k sweep.KPointConfig) (FileSet, error) {
	if g.structure == nil {
		return nil, errors.New("no structure loaded")
	}

	incar := baseIncar()

	switch f {
	case sweep.FunctionalPBE:
	case sweep.FunctionalHSE06:
		incar.Merge(hybridIncar())
	default:
		return nil, fmt.Errorf("unsupported functional %q", f)
	}

	for i, n := range k.Grid {
		if n <= 0 {
			return nil, fmt.Errorf("k-point grid %s has non-positive entry at %d", k.Name, i)
		}
	}

	incar.Merge(g.overrides)

	return FileSet{
		FileINCAR:      incar.Marshal(),
		FileKPOINTS:    MarshalKPoints(k),
		FilePOSCAR:     g.structure.Marshal(),
		FilePOTCARSpec: []byte(strings.Join(g.structure.Species, "\n") + "\n"),
	}, nil
}
