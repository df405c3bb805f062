package channels

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetBasics(t *testing.T) {
	s := New(Red, Alpha)
	assert.True(t, s.Contains(Red))
	assert.True(t, s.Contains(Alpha))
	assert.False(t, s.Contains(Green))
	assert.Equal(t, 2, s.Size())

	s = s.With(Green).Without(Red)
	assert.False(t, s.Contains(Red))
	assert.True(t, s.Contains(Green))
}

func TestMasks(t *testing.T) {
	assert.Equal(t, 3, MaskRGB.Size())
	assert.Equal(t, 4, MaskRGBA.Size())
	assert.True(t, MaskRGBA.ContainsAll(MaskRGB))
	assert.False(t, MaskRGB.ContainsAll(MaskRGBA))
}

func TestForEachOrder(t *testing.T) {
	var got []Channel
	MaskRGBA.ForEach(func(c Channel) { got = append(got, c) })
	assert.Equal(t, []Channel{Red, Green, Blue, Alpha}, got)
}

func TestParse(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Set
	}{
		{"rgba", MaskRGBA},
		{"rgb", MaskRGB},
		{"all", MaskAll},
		{"none", MaskNone},
		{"", MaskNone},
		{"red,alpha", New(Red, Alpha)},
		{" Blue , depth ", New(Blue, Depth)},
	} {
		got, err := Parse(tc.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("Parse(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}

	if _, err := Parse("chartreuse"); err == nil {
		t.Error("Parse accepted an unknown channel")
	}
}

func TestString(t *testing.T) {
	assert.Equal(t, "rgba", MaskRGBA.String())
	assert.Equal(t, "red,alpha", New(Red, Alpha).String())
}
