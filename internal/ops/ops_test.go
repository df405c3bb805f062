package ops

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentic-research/scanline/internal/cache"
	"github.com/agentic-research/scanline/internal/channels"
	"github.com/agentic-research/scanline/internal/node"
	"github.com/agentic-research/scanline/internal/reader"
)

func testContext() *node.Context {
	return &node.Context{
		Rows: cache.NewNodeCache(64 << 20),
		Pool: node.NewPool(4),
	}
}

func readNode(t *testing.T, ctx *node.Context, path string) *node.Node {
	t.Helper()
	headers, err := reader.NewHeaderCache(reader.Synthetic{}, 16)
	require.NoError(t, err)
	n := node.New(ctx, "src", &Read{Path: path, Frame: 1, Headers: headers})
	require.NoError(t, n.Validate())
	n.ComputeTreeHash(make(map[string]bool))
	return n
}

func TestReadProducesHeaderAndRows(t *testing.T) {
	ctx := testContext()
	defer ctx.Pool.Close()
	src := readNode(t, ctx, "gradient://plate?64x32")

	info := src.Info()
	assert.Equal(t, 64, info.W())
	assert.Equal(t, 32, info.H())
	assert.Equal(t, channels.MaskRGBA, info.Channels)

	rw, err := src.ProduceRow(3, 0, 64, channels.MaskRGBA)
	require.NoError(t, err)
	defer rw.Release()

	red := rw.Pixels(channels.Red)
	require.Len(t, red, 64)
	assert.Greater(t, red[32], red[1], "gradient should increase along x")
	for _, v := range rw.Pixels(channels.Alpha) {
		assert.Equal(t, float32(1), v)
	}
}

func TestGradeAppliesGainOffset(t *testing.T) {
	ctx := testContext()
	defer ctx.Pool.Close()
	src := readNode(t, ctx, "gradient://plate?64x32")

	g := node.New(ctx, "grade", &Grade{Gain: 2, Offset: 0.1})
	require.NoError(t, g.Connect(src))
	require.NoError(t, g.Validate())
	g.ComputeTreeHash(make(map[string]bool))

	in, err := src.ProduceRow(0, 0, 64, channels.MaskRGBA)
	require.NoError(t, err)
	defer in.Release()
	out, err := g.ProduceRow(0, 0, 64, channels.MaskRGBA)
	require.NoError(t, err)
	defer out.Release()

	inRed := in.Pixels(channels.Red)
	outRed := out.Pixels(channels.Red)
	for i := range outRed {
		assert.InDelta(t, float64(inRed[i]*2+0.1), float64(outRed[i]), 1e-6, "column %d", i)
	}
	// Alpha is untouched by a grade.
	for i, v := range out.Pixels(channels.Alpha) {
		assert.Equal(t, in.Pixels(channels.Alpha)[i], v)
	}
}

func TestMergeOver(t *testing.T) {
	ctx := testContext()
	defer ctx.Pool.Close()
	a := readNode(t, ctx, "gradient://fg?64x32")
	b := readNode(t, ctx, "gradient://bg?64x32")

	m := node.New(ctx, "over", &Merge{})
	require.NoError(t, m.Connect(a))
	require.NoError(t, m.Connect(b))
	require.NoError(t, m.Validate())
	m.ComputeTreeHash(make(map[string]bool))

	out, err := m.ProduceRow(0, 0, 64, channels.MaskRGB)
	require.NoError(t, err)
	defer out.Release()

	// The synthetic source is opaque (alpha 1), so over == foreground.
	fg, err := a.ProduceRow(0, 0, 64, channels.MaskRGBA)
	require.NoError(t, err)
	defer fg.Release()
	for i, v := range out.Pixels(channels.Red) {
		assert.InDelta(t, float64(fg.Pixels(channels.Red)[i]), float64(v), 1e-6)
	}
}

func TestBlurAveragesRows(t *testing.T) {
	ctx := testContext()
	defer ctx.Pool.Close()
	src := readNode(t, ctx, "gradient://plate?64x32")

	bl := node.New(ctx, "blur", &Blur1D{Radius: 2})
	require.NoError(t, bl.Connect(src))
	require.NoError(t, bl.Validate())
	bl.ComputeTreeHash(make(map[string]bool))

	out, err := bl.ProduceRow(10, 0, 64, channels.MaskRGB)
	require.NoError(t, err)
	defer out.Release()

	// Manually average rows 8..12 of the source.
	var want float32
	for y := 8; y <= 12; y++ {
		rw, err := src.ProduceRow(y, 0, 64, channels.MaskRGB)
		require.NoError(t, err)
		want += rw.Pixels(channels.Green)[7] / 5
		rw.Release()
	}
	assert.InDelta(t, float64(want), float64(out.Pixels(channels.Green)[7]), 1e-5)
}

func TestMergeInputOrderChangesFingerprint(t *testing.T) {
	ctx := testContext()
	defer ctx.Pool.Close()
	a := readNode(t, ctx, "gradient://fg?64x32")
	b := readNode(t, ctx, "gradient://bg?64x32")

	m1 := node.New(ctx, "over", &Merge{})
	require.NoError(t, m1.Connect(a))
	require.NoError(t, m1.Connect(b))
	m1.ComputeTreeHash(make(map[string]bool))

	m2 := node.New(ctx, "over", &Merge{})
	require.NoError(t, m2.Connect(b))
	require.NoError(t, m2.Connect(a))
	m2.ComputeTreeHash(make(map[string]bool))

	assert.NotEqual(t, m1.HashValue(), m2.HashValue())
}

func TestFailRollsBack(t *testing.T) {
	ctx := testContext()
	defer ctx.Pool.Close()
	n := node.New(ctx, "fail", &Fail{})
	n.ComputeTreeHash(make(map[string]bool))

	_, err := n.ProduceRow(0, 0, 64, channels.MaskRGBA)
	require.Error(t, err)
	assert.EqualValues(t, 0, ctx.Rows.CurrentSize())
}
