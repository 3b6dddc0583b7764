package inputgen

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Structure is a crystal structure in the VASP POSCAR layout.
type Structure struct {
	Comment   string
	Scale     float64
	Lattice   [3][3]float64
	Species   []string
	Counts    []int
	Selective bool
	Cartesian bool
	Sites     [][3]float64
	// Flags holds the selective dynamics flags per site when Selective is set.
	Flags [][3]bool
}

// NumSites returns the number of atoms in the structure.
func (s *Structure) NumSites() int {
	return len(s.Sites)
}

// ParsePOSCAR reads a VASP 5 POSCAR. VASP 4 files without a species line
// are rejected since the species cannot be recovered.
func ParsePOSCAR(r io.Reader) (*Structure, error) {
	sc := bufio.NewScanner(r)

	var lines []string

	for sc.Scan() {
		lines = append(lines, strings.TrimSpace(sc.Text()))
	}

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading POSCAR: %w", err)
	}

	if len(lines) < 8 {
		return nil, errors.New("POSCAR is truncated")
	}

	s := &Structure{Comment: lines[0]}

	scale, err := strconv.ParseFloat(firstField(lines[1]), 64)
	if err != nil {
		return nil, fmt.Errorf("parsing scale factor: %w", err)
	}

	if scale == 0 {
		return nil, errors.New("scale factor must not be zero")
	}

	s.Scale = scale

	for i := range 3 {
		vec, err := parseVector(lines[2+i])
		if err != nil {
			return nil, fmt.Errorf("parsing lattice vector %d: %w", i+1, err)
		}

		s.Lattice[i] = vec
	}

	s.Species = strings.Fields(lines[5])
	if len(s.Species) == 0 {
		return nil, errors.New("species line is empty")
	}

	if _, err := strconv.Atoi(s.Species[0]); err == nil {
		return nil, errors.New("POSCAR has no species line (VASP 4 format is not supported)")
	}

	countFields := strings.Fields(lines[6])
	if len(countFields) != len(s.Species) {
		return nil, fmt.Errorf(
			"species count mismatch: %d species, %d counts",
			len(s.Species), len(countFields),
		)
	}

	total := 0

	for _, f := range countFields {
		n, err := strconv.Atoi(f)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid species count %q", f)
		}

		s.Counts = append(s.Counts, n)
		total += n
	}

	idx := 7
	if strings.HasPrefix(strings.ToLower(lines[idx]), "s") {
		s.Selective = true
		idx++
	}

	if idx >= len(lines) || lines[idx] == "" {
		return nil, errors.New("POSCAR is missing the coordinate mode line")
	}

	switch strings.ToLower(lines[idx])[0] {
	case 'c', 'k':
		s.Cartesian = true
	case 'd':
	default:
		return nil, fmt.Errorf("unknown coordinate mode %q", lines[idx])
	}

	idx++

	if len(lines)-idx < total {
		return nil, fmt.Errorf("expected %d sites, found %d lines", total, len(lines)-idx)
	}

	for i := range total {
		line := lines[idx+i]

		vec, err := parseVector(line)
		if err != nil {
			return nil, fmt.Errorf("parsing site %d: %w", i+1, err)
		}

		s.Sites = append(s.Sites, vec)

		if s.Selective {
			fields := strings.Fields(line)
			if len(fields) < 6 {
				return nil, fmt.Errorf("site %d is missing selective dynamics flags", i+1)
			}

			var flags [3]bool
			for j := range 3 {
				flags[j] = strings.EqualFold(fields[3+j], "T")
			}

			s.Flags = append(s.Flags, flags)
		}
	}

	return s, nil
}

// Marshal renders the structure back to POSCAR text.
func (s *Structure) Marshal() []byte {
	var buf bytes.Buffer

	buf.WriteString(s.Comment)
	buf.WriteByte('\n')
	fmt.Fprintf(&buf, "%.8f\n", s.Scale)

	for _, v := range s.Lattice {
		fmt.Fprintf(&buf, "  %14.8f %14.8f %14.8f\n", v[0], v[1], v[2])
	}

	buf.WriteString(strings.Join(s.Species, " "))
	buf.WriteByte('\n')

	counts := make([]string, 0, len(s.Counts))
	for _, c := range s.Counts {
		counts = append(counts, strconv.Itoa(c))
	}

	buf.WriteString(strings.Join(counts, " "))
	buf.WriteByte('\n')

	if s.Selective {
		buf.WriteString("Selective dynamics\n")
	}

	if s.Cartesian {
		buf.WriteString("Cartesian\n")
	} else {
		buf.WriteString("Direct\n")
	}

	for i, v := range s.Sites {
		fmt.Fprintf(&buf, "  %12.8f %12.8f %12.8f", v[0], v[1], v[2])

		if s.Selective && i < len(s.Flags) {
			for _, f := range s.Flags[i] {
				if f {
					buf.WriteString(" T")
				} else {
					buf.WriteString(" F")
				}
			}
		}

		buf.WriteByte('\n')
	}

	return buf.Bytes()
}

func firstField(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}

	return fields[0]
}

func parseVector(line string) ([3]float64, error) {
	var v [3]float64

	fields := strings.Fields(line)
	if len(fields) < 3 {
		return v, fmt.Errorf("expected 3 components, got %d", len(fields))
	}

	for i := range 3 {
		f, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return v, err
		}

		v[i] = f
	}

	return v, nil
}
