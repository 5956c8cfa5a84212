package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1024", 1024, false},
		{"1KB", KB, false},
		{"1.5 GB", GB + GB/2, false},
		{"512Mi", 512 * MB, false},
		{"2tb", 2 * TB, false},
		{"100 B", 100, false},
		{"", 0, true},
		{"abc", 0, true},
		{"10XB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0 B", Format(0))
	assert.Equal(t, "512 B", Format(512))
	assert.Equal(t, "1.00 KB", Format(KB))
	assert.Equal(t, "2.50 MB", Format(2*MB+MB/2))
	assert.Equal(t, "1.00 TB", Format(TB))
}

func TestSizeYAML(t *testing.T) {
	var cfg struct {
		Max Size `yaml:"max"`
	}

	require.NoError(t, yaml.Unmarshal([]byte("max: 512Mi"), &cfg))
	assert.Equal(t, 512*MB, cfg.Max.Bytes())

	require.NoError(t, yaml.Unmarshal([]byte("max: 1048576"), &cfg))
	assert.Equal(t, MB, cfg.Max.Bytes())

	assert.Error(t, yaml.Unmarshal([]byte("max: [1, 2]"), &cfg))
}
