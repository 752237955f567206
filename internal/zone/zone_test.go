package zone

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func TestKey(t *testing.T) {
	grid := MustGrid(500)

	tests := []struct {
		name string
		x, y float64
		want ID
	}{
		{"origin", 0, 0, ID{0, 0}},
		{"inside first cell", 10, 10, ID{0, 0}},
		{"just below boundary", 499.999, 20, ID{0, 0}},
		{"on boundary", 500, 20, ID{1, 0}},
		{"crossing right", 510, 10, ID{1, 0}},
		{"negative small", -0.5, -0.5, ID{-1, -1}},
		{"negative boundary", -500, 0, ID{-1, 0}},
		{"negative past boundary", -500.1, 0, ID{-2, 0}},
		{"far", 12345, -9876, ID{24, -20}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := grid.Key(tt.x, tt.y); got != tt.want {
				t.Errorf("Key(%v, %v) = %v, want %v", tt.x, tt.y, got, tt.want)
			}
		})
	}
}

func TestKeyPartitionProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for _, size := range []float64{1, 7.5, 500, 1000.25} {
		grid := MustGrid(size)
		for i := 0; i < 5000; i++ {
			x1 := (rng.Float64() - 0.5) * 20 * size
			y1 := (rng.Float64() - 0.5) * 20 * size
			x2 := (rng.Float64() - 0.5) * 20 * size
			y2 := (rng.Float64() - 0.5) * 20 * size
			if i%4 == 0 {
				// Bias toward pairs in neighbouring cells.
				x2 = x1 + (rng.Float64()-0.5)*size
				y2 = y1 + (rng.Float64()-0.5)*size
			}

			sameCell := math.Floor(x1/size) == math.Floor(x2/size) &&
				math.Floor(y1/size) == math.Floor(y2/size)
			sameKey := grid.Key(x1, y1) == grid.Key(x2, y2)

			if sameCell != sameKey {
				t.Fatalf("size %v: (%v,%v) vs (%v,%v): sameCell=%v sameKey=%v",
					size, x1, y1, x2, y2, sameCell, sameKey)
			}
		}
	}
}

func TestNewGridRejectsInvalidSize(t *testing.T) {
	for _, size := range []float64{0, -1, 1e-9, 0.5, math.Inf(1), math.NaN()} {
		if _, err := NewGrid(size); !errors.Is(err, ErrInvalidSize) {
			t.Errorf("NewGrid(%v) error = %v, want ErrInvalidSize", size, err)
		}
	}
}

func TestSmallestGridKeepsFarCellsApart(t *testing.T) {
	grid := MustGrid(MinSize)
	far := 1e12
	a, b := grid.Key(far, -far), grid.Key(far-MinSize, -far+MinSize)
	if a == b {
		t.Fatalf("Key(%g) and its neighbour collapsed into %v", far, a)
	}
	if a.X != int64(far) || a.Y != -int64(far) {
		t.Errorf("Key(%g, %g) = %v", far, -far, a)
	}
}

func TestIDString(t *testing.T) {
	if got := (ID{X: 1, Y: -2}).String(); got != "Zone_1_-2" {
		t.Errorf("String() = %q, want %q", got, "Zone_1_-2")
	}
}
