package model

// Features is a row-per-atom matrix: rows [0, nLocal) are local atoms and
// the rest are ghost slots. The backing array only grows, so resizing each
// step reuses the previous step's storage.
type Features struct {
	width int
	rows  int
	data  []float64
}

// Resize reshapes f to rows x width and zeroes it.
func (f *Features) Resize(rows, width int) {
	n := rows * width
	if cap(f.data) < n {
		f.data = make([]float64, n)
	} else {
		f.data = f.data[:n]
		clear(f.data)
	}
	f.rows, f.width = rows, width
}

// Rows is the number of atom rows.
func (f *Features) Rows() int { return f.rows }

// Width is the number of values per row.
func (f *Features) Width() int { return f.width }

// Row returns atom i's row; writes go to the matrix.
func (f *Features) Row(i int) []float64 {
	return f.data[i*f.width : (i+1)*f.width : (i+1)*f.width]
}

// Data returns the whole matrix, row major.
func (f *Features) Data() []float64 { return f.data }

// ClearRows zeroes rows [from, to).
func (f *Features) ClearRows(from, to int) {
	clear(f.data[from*f.width : to*f.width])
}
