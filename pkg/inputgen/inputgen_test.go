package inputgen

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethpandaops/sweepoor/pkg/sweep"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const siPOSCAR = `Si2
1.0
  3.8669746500 0.0000000000 0.0000000000
  1.9334873250 3.3488982827 0.0000000000
  1.9334873250 1.1162994276 3.1573715803
Si
2
Direct
  0.75 0.75 0.75
  0.50 0.50 0.50
`

var kp226 = sweep.KPointConfig{Name: "2x2x6", Grid: [3]int{2, 2, 6}, Count: 16}

func TestParsePOSCAR(t *testing.T) {
	s, err := ParsePOSCAR(strings.NewReader(siPOSCAR))
	require.NoError(t, err)

	assert.Equal(t, "Si2", s.Comment)
	assert.InDelta(t, 1.0, s.Scale, 1e-12)
	assert.Equal(t, []string{"Si"}, s.Species)
	assert.Equal(t, []int{2}, s.Counts)
	assert.False(t, s.Cartesian)
	assert.Equal(t, 2, s.NumSites())
	assert.InDelta(t, 3.3488982827, s.Lattice[1][1], 1e-9)

	again, err := ParsePOSCAR(strings.NewReader(string(s.Marshal())))
	require.NoError(t, err)
	assert.Equal(t, s.Species, again.Species)
	assert.Equal(t, s.Counts, again.Counts)
	assert.InDeltaSlice(t, s.Sites[0][:], again.Sites[0][:], 1e-8)
}

func TestParsePOSCAR_SelectiveDynamics(t *testing.T) {
	in := strings.Replace(siPOSCAR, "Direct\n", "Selective dynamics\nCartesian\n", 1)
	in = strings.Replace(in, "0.75 0.75 0.75", "0.75 0.75 0.75 T T F", 1)
	in = strings.Replace(in, "0.50 0.50 0.50", "0.50 0.50 0.50 F F F", 1)

	s, err := ParsePOSCAR(strings.NewReader(in))
	require.NoError(t, err)

	assert.True(t, s.Selective)
	assert.True(t, s.Cartesian)
	assert.Equal(t, [3]bool{true, true, false}, s.Flags[0])
	assert.Contains(t, string(s.Marshal()), "T T F")
}

func TestParsePOSCAR_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "bad scale", input: strings.Replace(siPOSCAR, "1.0\n", "one\n", 1)},
		{name: "vasp4 counts only", input: strings.Replace(siPOSCAR, "Si\n2\n", "2\n2\n", 1)},
		{name: "count mismatch", input: strings.Replace(siPOSCAR, "Si\n2\n", "Si O\n2\n", 1)},
		{name: "missing sites", input: strings.Replace(siPOSCAR, "  0.50 0.50 0.50\n", "", 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePOSCAR(strings.NewReader(tt.input))
			require.Error(t, err)
		})
	}
}

func TestGenerate(t *testing.T) {
	s, err := ParsePOSCAR(strings.NewReader(siPOSCAR))
	require.NoError(t, err)

	g := New(s, nil)

	t.Run("pbe", func(t *testing.T) {
		fs, err := g.Generate(sweep.FunctionalPBE, kp226)
		require.NoError(t, err)

		assert.Equal(t, []string{FileINCAR, FileKPOINTS, FilePOSCAR, FilePOTCARSpec}, fs.Names())

		incar := string(fs[FileINCAR])
		assert.Contains(t, incar, "NSW = 50\n")
		assert.Contains(t, incar, "IBRION = 2\n")
		assert.Contains(t, incar, "ALGO = Fast\n")
		assert.NotContains(t, incar, "LHFCALC")

		assert.Equal(t, "2x2x6 (16 irreducible points)\n0\nGamma\n2 2 6\n0 0 0\n", string(fs[FileKPOINTS]))
		assert.Equal(t, "Si\n", string(fs[FilePOTCARSpec]))
	})

	t.Run("hse06", func(t *testing.T) {
		fs, err := g.Generate(sweep.FunctionalHSE06, kp226)
		require.NoError(t, err)

		incar := string(fs[FileINCAR])
		for _, tag := range []string{
			"LHFCALC = .TRUE.", "HFSCREEN = 0.2", "AEXX = 0.25",
			"AGGAX = 0.75", "AGGAC = 0.75", "ALDAC = 0.75", "ALGO = All",
		} {
			assert.Contains(t, incar, tag+"\n")
		}
	})

	t.Run("overrides", func(t *testing.T) {
		fs, err := New(s, map[string]string{"encut": "600"}).Generate(sweep.FunctionalPBE, kp226)
		require.NoError(t, err)
		assert.Contains(t, string(fs[FileINCAR]), "ENCUT = 600\n")
		assert.Contains(t, string(fs[FileINCAR]), "NSW = 99\n")
	})

	t.Run("bad functional", func(t *testing.T) {
		_, err := g.Generate(sweep.Functional("LDA"), kp226)
		require.Error(t, err)
	})

	t.Run("bad grid", func(t *testing.T) {
		_, err := g.Generate(sweep.FunctionalPBE, sweep.KPointConfig{Name: "bad", Grid: [3]int{1, 0, 1}})
		require.Error(t, err)
	})
}

func TestNewFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "POSCAR")
	require.NoError(t, os.WriteFile(path, []byte(siPOSCAR), 0o644))

	g, s, err := NewFromFile(path, nil)
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, 2, s.NumSites())

	_, _, err = NewFromFile(filepath.Join(t.TempDir(), "missing"), nil)
	require.Error(t, err)
}
