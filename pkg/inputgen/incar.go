package inputgen

import (
	"bytes"
	"fmt"
	"slices"
	"strings"
)

// Incar is a set of INCAR tags. Values are kept as rendered strings.
type Incar map[string]string

// baseIncar is a relaxation parameter set in the style of the Materials
// Project relax set.
func baseIncar() Incar {
	return Incar{
		"ALGO":   "Fast",
		"EDIFF":  "5E-05",
		"ENCUT":  "520",
		"IBRION": "2",
		"ISIF":   "3",
		"ISMEAR": "-5",
		"ISPIN":  "2",
		"LASPH":  ".TRUE.",
		"LORBIT": "11",
		"LREAL":  "Auto",
		"LWAVE":  ".FALSE.",
		"NELM":   "100",
		"NSW":    "99",
		"PREC":   "Accurate",
		"SIGMA":  "0.05",
	}
}

// hybridIncar holds the screened hybrid (HSE06) tags.
func hybridIncar() Incar {
	return Incar{
		"LHFCALC":  ".TRUE.",
		"HFSCREEN": "0.2",
		"AEXX":     "0.25",
		"AGGAX":    "0.75",
		"AGGAC":    "0.75",
		"ALDAC":    "0.75",
		"ALGO":     "All",
	}
}

// DefaultOverrides are applied to every run after the functional tags.
func DefaultOverrides() map[string]string {
	return map[string]string{
		"NSW":    "50",
		"IBRION": "2",
		"ISIF":   "3",
	}
}

// Merge copies other into i, replacing existing tags. Tag names are
// normalised to upper case.
func (i Incar) Merge(other map[string]string) {
	for k, v := range other {
		i[strings.ToUpper(strings.TrimSpace(k))] = v
	}
}

// Marshal renders the tags sorted by name.
func (i Incar) Marshal() []byte {
	keys := make([]string, 0, len(i))
	for k := range i {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s = %s\n", k, i[k])
	}

	return buf.Bytes()
}
