package inputgen

import (
	"fmt"

	"github.com/ethpandaops/sweepoor/pkg/sweep"
)

// MarshalKPoints renders a Gamma-centred automatic mesh.
func MarshalKPoints(k sweep.KPointConfig) []byte {
	return fmt.Appendf(nil,
		"%s (%d irreducible points)\n0\nGamma\n%d %d %d\n0 0 0\n",
		k.Name, k.Count, k.Grid[0], k.Grid[1], k.Grid[2],
	)
}
