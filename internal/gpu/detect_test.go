package gpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func gib(n float64) int64 {
	return int64(n * 1024 * 1024 * 1024)
}

func TestRecommendModel(t *testing.T) {
	tests := []struct {
		name string
		info *Info
		want string
	}{
		{"no gpu", &Info{}, "base"},
		{"nil info", nil, "base"},
		{"12GB", &Info{Available: true, VRAMTotal: gib(12)}, "large"},
		{"10GB boundary", &Info{Available: true, VRAMTotal: gib(10)}, "large"},
		{"8GB", &Info{Available: true, VRAMTotal: gib(8)}, "medium"},
		{"6GB", &Info{Available: true, VRAMTotal: gib(6)}, "small"},
		{"4GB", &Info{Available: true, VRAMTotal: gib(4)}, "base"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model, reason := RecommendModel(tt.info)
			assert.Equal(t, tt.want, model)
			assert.NotEmpty(t, reason)
		})
	}
}

func TestModelTooLarge(t *testing.T) {
	cpuOnly := &Info{}
	assert.True(t, ModelTooLarge(cpuOnly, "large"))
	assert.True(t, ModelTooLarge(cpuOnly, "medium"))
	assert.False(t, ModelTooLarge(cpuOnly, "base"))

	small := &Info{Available: true, VRAMTotal: gib(3)}
	assert.True(t, ModelTooLarge(small, "small"))
	assert.False(t, ModelTooLarge(small, "base"))

	mid := &Info{Available: true, VRAMTotal: gib(7)}
	assert.True(t, ModelTooLarge(mid, "large"))
	assert.False(t, ModelTooLarge(mid, "medium"))

	big := &Info{Available: true, VRAMTotal: gib(16)}
	assert.False(t, ModelTooLarge(big, "large"))
}
