// Reads and writes Array sidecars in the NumPy .npy format.

package codec

import (
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

var errEmptyMatrix = errors.New("rank 2 arrays must have non-zero dimensions")

func writeArray(w io.Writer, a Array) error {
	dims := a.Dims()
	switch len(dims) {
	case 1:
		data := a.Data
		if data == nil {
			data = []float64{}
		}
		return npyio.Write(w, data)
	case 2:
		if dims[0] == 0 || dims[1] == 0 {
			return errEmptyMatrix
		}
		return npyio.Write(w, mat.NewDense(dims[0], dims[1], slices.Clone(a.Data)))
	default:
		return fmt.Errorf("%w, got %d", errArrayRank, len(dims))
	}
}

func readArray(r io.Reader) (Array, error) {
	rd, err := npyio.NewReader(r)
	if err != nil {
		return Array{}, fmt.Errorf("failed to read npy header: %w", err)
	}
	shape := slices.Clone(rd.Header.Descr.Shape)
	if len(shape) > 2 {
		return Array{}, fmt.Errorf("%w, got %d", errArrayRank, len(shape))
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	data := make([]float64, n)
	if err := rd.Read(&data); err != nil {
		return Array{}, fmt.Errorf("failed to read npy data: %w", err)
	}
	if len(shape) == 0 {
		shape = []int{len(data)}
	}
	if rd.Header.Descr.Fortran && len(shape) == 2 {
		data = transpose(data, shape[1], shape[0])
	}
	return Array{Shape: shape, Data: data}, nil
}

// transpose converts a rows x cols row-major matrix to cols x rows.
func transpose(data []float64, rows, cols int) []float64 {
	out := make([]float64, len(data))
	for i := range rows {
		for j := range cols {
			out[j*rows+i] = data[i*cols+j]
		}
	}
	return out
}
