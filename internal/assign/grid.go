package assign

// GridSite identifies one prediction location: a cell of the feature-map
// grid at one stride level. Sites are immutable once built for a given
// input resolution and are safely shared read-only across workers.
type GridSite struct {
	Level  int // index into the stride list
	Row    int
	Col    int
	Stride int
	// CX, CY is the site centre in network input pixels.
	CX float64
	CY float64
}

// Grid holds all prediction sites for one input resolution, ordered by
// level, then row-major within a level. The ordering is part of the
// contract: raw head output is laid out the same way.
type Grid struct {
	InputW int
	InputH int
	Sites  []GridSite
	// levelOffsets[l] is the index of the first site of level l.
	levelOffsets []int
}

// BuildGrid generates the site grid for the given input resolution and
// stride set. It must be called again whenever the resolution changes.
func BuildGrid(inputW, inputH int, strides []int) *Grid {
	g := &Grid{
		InputW:       inputW,
		InputH:       inputH,
		levelOffsets: make([]int, len(strides)),
	}

	total := 0
	for _, s := range strides {
		total += (inputH / s) * (inputW / s)
	}
	g.Sites = make([]GridSite, 0, total)

	for level, stride := range strides {
		g.levelOffsets[level] = len(g.Sites)
		rows := inputH / stride
		cols := inputW / stride
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				g.Sites = append(g.Sites, GridSite{
					Level:  level,
					Row:    r,
					Col:    c,
					Stride: stride,
					CX:     (float64(c) + 0.5) * float64(stride),
					CY:     (float64(r) + 0.5) * float64(stride),
				})
			}
		}
	}
	return g
}

// NumLevels returns the number of stride levels in the grid.
func (g *Grid) NumLevels() int { return len(g.levelOffsets) }

// LevelRange returns the half-open site index range [lo, hi) of a level.
func (g *Grid) LevelRange(level int) (int, int) {
	lo := g.levelOffsets[level]
	hi := len(g.Sites)
	if level+1 < len(g.levelOffsets) {
		hi = g.levelOffsets[level+1]
	}
	return lo, hi
}
