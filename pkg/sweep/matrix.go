package sweep

import "fmt"

// Axes are the four dimensions of a sweep.
type Axes struct {
	KPoints     []KPointConfig
	Functionals []Functional
	Devices     []Device
	Nodes       []int
}

// Size returns the number of RunSpecs the axes expand to.
func (a Axes) Size() int {
	return len(a.KPoints) * len(a.Functionals) * len(a.Devices) * len(a.Nodes)
}

// BuildMatrix expands the axes into their Cartesian product. The order is
// stable: kpoints outermost, then functional, device and node count.
func BuildMatrix(axes Axes) ([]RunSpec, error) {
	if err := axes.validate(); err != nil {
		return nil, err
	}

	specs := make([]RunSpec, 0, axes.Size())
	seen := make(map[RunKey]struct{}, axes.Size())

	for _, k := range axes.KPoints {
		for _, f := range axes.Functionals {
			for _, d := range axes.Devices {
				for _, n := range axes.Nodes {
					spec := RunSpec{KPoints: k, Functional: f, Device: d, Nodes: n}

					key := spec.Key()
					if _, dup := seen[key]; dup {
						return nil, fmt.Errorf("%w: duplicate run key %q", ErrInvalidConfiguration, key)
					}

					seen[key] = struct{}{}
					specs = append(specs, spec)
				}
			}
		}
	}

	return specs, nil
}

func (a Axes) validate() error {
	switch {
	case len(a.KPoints) == 0:
		return fmt.Errorf("%w: kpoints axis is empty", ErrInvalidConfiguration)
	case len(a.Functionals) == 0:
		return fmt.Errorf("%w: functionals axis is empty", ErrInvalidConfiguration)
	case len(a.Devices) == 0:
		return fmt.Errorf("%w: devices axis is empty", ErrInvalidConfiguration)
	case len(a.Nodes) == 0:
		return fmt.Errorf("%w: nodes axis is empty", ErrInvalidConfiguration)
	}

	for _, k := range a.KPoints {
		if k.Name == "" {
			return fmt.Errorf("%w: kpoint config without name", ErrInvalidConfiguration)
		}

		for _, g := range k.Grid {
			if g <= 0 {
				return fmt.Errorf("%w: kpoint config %q has non-positive grid %v",
					ErrInvalidConfiguration, k.Name, k.Grid)
			}
		}
	}

	for _, n := range a.Nodes {
		if n <= 0 {
			return fmt.Errorf("%w: node count must be positive, got %d", ErrInvalidConfiguration, n)
		}
	}

	return nil
}
