package zone

import (
	"errors"
	"fmt"
	"math"
)

// DefaultSize is the edge length of one zone in world units.
const DefaultSize = 500.0

// MinSize is the smallest zone edge. Smaller zones would push cell indices
// of far coordinates past int64.
const MinSize = 1.0

var ErrInvalidSize = errors.New("zone size must be a finite number of at least 1")

// ID identifies one grid cell. Two positions share an ID iff they lie in
// the same half-open cell [k*Size, (k+1)*Size) on both axes.
type ID struct {
	X int64 `json:"x" msgpack:"x"`
	Y int64 `json:"y" msgpack:"y"`
}

// String renders the ID the way it is shown to users and in logs.
func (id ID) String() string {
	return fmt.Sprintf("Zone_%d_%d", id.X, id.Y)
}

// Grid quantizes 2D coordinates into zones of a fixed size.
type Grid struct {
	size float64
}

// NewGrid returns a grid with the given zone size.
func NewGrid(size float64) (Grid, error) {
	if math.IsNaN(size) || math.IsInf(size, 0) || size < MinSize {
		return Grid{}, fmt.Errorf("%w: %v", ErrInvalidSize, size)
	}
	return Grid{size: size}, nil
}

// MustGrid is NewGrid for sizes known to be valid at compile time.
func MustGrid(size float64) Grid {
	g, err := NewGrid(size)
	if err != nil {
		panic(err)
	}
	return g
}

// Size returns the zone edge length.
func (g Grid) Size() float64 {
	return g.size
}

// Key maps a coordinate to its zone. Negative coordinates floor away from
// zero, so -0.5 lands in cell -1, not 0.
func (g Grid) Key(x, y float64) ID {
	return ID{
		X: int64(math.Floor(x / g.size)),
		Y: int64(math.Floor(y / g.size)),
	}
}
