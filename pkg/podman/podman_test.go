package podman

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQualifyImageName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "vasp:latest", want: "docker.io/vasp:latest"},
		{in: "org/vasp:latest", want: "docker.io/org/vasp:latest"},
		{in: "ghcr.io/org/vasp:latest", want: "ghcr.io/org/vasp:latest"},
		{in: "localhost:5000/vasp", want: "localhost:5000/vasp"},
		{in: "localhost/vasp", want: "localhost/vasp"},
		{
			in:   "us-central1-docker.pkg.dev/proj/repo/vasp:latest",
			want: "us-central1-docker.pkg.dev/proj/repo/vasp:latest",
		},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, qualifyImageName(tt.in))
		})
	}
}
