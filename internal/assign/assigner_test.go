package assign

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/rotavision/rotadet/internal/anglecodec"
	"github.com/rotavision/rotadet/internal/geometry"
)

func testCodec(t *testing.T) *anglecodec.Codec {
	t.Helper()
	c, err := anglecodec.New(anglecodec.MGAR, 5)
	require.NoError(t, err)
	return c
}

func TestBuildGrid(t *testing.T) {
	g := BuildGrid(640, 640, []int{8, 16, 32})

	want := 80*80 + 40*40 + 20*20
	if len(g.Sites) != want {
		t.Fatalf("got %d sites, want %d", len(g.Sites), want)
	}

	// First site of level 1 sits at the stride-16 half-cell offset.
	lo, hi := g.LevelRange(1)
	if hi-lo != 40*40 {
		t.Errorf("level 1 has %d sites, want 1600", hi-lo)
	}
	s := g.Sites[lo]
	if s.Stride != 16 || s.CX != 8 || s.CY != 8 {
		t.Errorf("level 1 first site = %+v", s)
	}

	// Non-square input.
	g2 := BuildGrid(640, 384, []int{32})
	if len(g2.Sites) != 20*12 {
		t.Errorf("640x384/32 grid has %d sites, want 240", len(g2.Sites))
	}
}

func TestAssign_Deterministic(t *testing.T) {
	codec := testCodec(t)
	g := BuildGrid(640, 640, []int{8, 16, 32})
	gts := []GroundTruth{
		{Class: 0, Box: geometry.Box{CX: 320, CY: 320, W: 100, H: 40, Angle: 30}},
		{Class: 2, Box: geometry.Box{CX: 350, CY: 310, W: 90, H: 50, Angle: -15}},
		{Class: 1, Box: geometry.Box{CX: 100, CY: 500, W: 60, H: 60, Angle: 88}},
	}

	a := NewATSS(9, codec)
	first := a.Assign(g, gts)
	second := a.Assign(g, gts)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("assignment not deterministic (-first +second):\n%s", diff)
	}
}

func TestAssign_EmptyGroundTruth(t *testing.T) {
	g := BuildGrid(64, 64, []int{8, 16, 32})
	res := NewATSS(9, testCodec(t)).Assign(g, nil)

	if res.NumPositive != 0 {
		t.Fatalf("NumPositive = %d, want 0", res.NumPositive)
	}
	for i := range res.Sites {
		if res.Sites[i].Label != LabelNegative {
			t.Fatalf("site %d label = %v, want negative", i, res.Sites[i].Label)
		}
		if res.Sites[i].GT != -1 {
			t.Fatalf("site %d GT = %d, want -1", i, res.Sites[i].GT)
		}
	}
}

func TestAssign_PositivesAtMatchingStride(t *testing.T) {
	// Instance of scale sqrt(100*40) ~ 63 should claim stride-16 sites
	// (prior side 80 is the closest match).
	codec := testCodec(t)
	g := BuildGrid(640, 640, []int{8, 16, 32})
	gts := []GroundTruth{
		{Class: 0, Box: geometry.Box{CX: 320, CY: 320, W: 100, H: 40, Angle: 30}},
	}

	res := NewATSS(9, codec).Assign(g, gts)
	if res.NumPositive == 0 {
		t.Fatal("expected at least one positive site")
	}
	for i := range res.Sites {
		sa := &res.Sites[i]
		if sa.Label != LabelPositive {
			continue
		}
		if g.Sites[i].Stride != 16 {
			t.Errorf("positive at stride %d, want 16", g.Sites[i].Stride)
		}
		if sa.GT != 0 || sa.Class != 0 {
			t.Errorf("positive owner = GT %d class %d, want 0/0", sa.GT, sa.Class)
		}
		if sa.Quality <= 0 || sa.Quality > 1 {
			t.Errorf("quality = %v, want (0,1]", sa.Quality)
		}
		if len(sa.AngleTarget) != codec.Size() {
			t.Errorf("angle target size %d, want %d", len(sa.AngleTarget), codec.Size())
		}
		if !sa.TargetBox.ContainsPoint(g.Sites[i].CX, g.Sites[i].CY) {
			t.Errorf("positive site %d centre outside its target box", i)
		}
	}
}

func TestAssign_CompetingInstancesTieBreak(t *testing.T) {
	// Two identical overlapping instances: every contested site must go
	// to the lower index, and no site may carry conflicting targets.
	codec := testCodec(t)
	g := BuildGrid(640, 640, []int{8, 16, 32})
	box := geometry.Box{CX: 320, CY: 320, W: 100, H: 40, Angle: 30}
	gts := []GroundTruth{
		{Class: 0, Box: box},
		{Class: 1, Box: box},
	}

	res := NewATSS(9, codec).Assign(g, gts)
	if res.NumPositive == 0 {
		t.Fatal("expected positives")
	}
	for i := range res.Sites {
		if res.Sites[i].Label == LabelPositive && res.Sites[i].GT != 0 {
			t.Errorf("site %d went to GT %d; equal IoU must resolve to the lower index",
				i, res.Sites[i].GT)
		}
	}
}

func TestAssign_IgnoreInstances(t *testing.T) {
	codec := testCodec(t)
	g := BuildGrid(640, 640, []int{8, 16, 32})
	gts := []GroundTruth{
		{Class: 0, Box: geometry.Box{CX: 100, CY: 100, W: 120, H: 120, Angle: 0}, Ignore: true},
	}

	res := NewATSS(9, codec).Assign(g, gts)
	if res.NumPositive != 0 {
		t.Fatal("ignore instances must not claim positives")
	}

	ignored := 0
	for i := range res.Sites {
		if res.Sites[i].Label == LabelIgnore {
			ignored++
			s := g.Sites[i]
			if !gts[0].Box.ContainsPoint(s.CX, s.CY) {
				t.Errorf("ignored site %d outside the ignore region", i)
			}
		}
	}
	if ignored == 0 {
		t.Error("sites inside an ignore instance must be marked ignore")
	}
}

func TestAssign_DegenerateBoxSkipped(t *testing.T) {
	g := BuildGrid(64, 64, []int{8, 16, 32})
	gts := []GroundTruth{
		{Class: 0, Box: geometry.Box{CX: 32, CY: 32, W: 0, H: 10, Angle: 0}},
	}

	res := NewATSS(9, testCodec(t)).Assign(g, gts)
	if res.NumPositive != 0 {
		t.Error("degenerate instance must claim nothing")
	}
}

func TestWarmupAssign(t *testing.T) {
	codec := testCodec(t)
	g := BuildGrid(640, 640, []int{8, 16, 32})
	gts := []GroundTruth{
		{Class: 0, Box: geometry.Box{CX: 320, CY: 320, W: 100, H: 40, Angle: 30}},
	}

	res := NewWarmup(codec).Assign(g, gts)
	if res.NumPositive == 0 {
		t.Fatal("warmup assigner must produce positives for a centred box")
	}
	for i := range res.Sites {
		if res.Sites[i].Label != LabelPositive {
			continue
		}
		s := g.Sites[i]
		if s.Stride != 16 {
			t.Errorf("warmup positive at stride %d, want 16 (best level)", s.Stride)
		}
		if !gts[0].Box.ContainsPoint(s.CX, s.CY) {
			t.Errorf("warmup positive %d centre outside the box", i)
		}
	}

	first := NewWarmup(codec).Assign(g, gts)
	second := NewWarmup(codec).Assign(g, gts)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("warmup assignment not deterministic:\n%s", diff)
	}
}
