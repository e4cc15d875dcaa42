package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateFilePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"relative file", "config.json", false},
		{"nested relative", "configs/naikit.json", false},
		{"absolute", "/etc/naikit/config.json", false},
		{"dotted name", "my..config.json", false},
		{"empty", "", true},
		{"parent traversal", "../secrets.json", true},
		{"embedded traversal", "configs/../../etc/passwd", true},
		{"nul byte", "config\x00.json", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFilePath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateOutputPath(t *testing.T) {
	assert.NoError(t, ValidateOutputPath("out.png"))
	assert.NoError(t, ValidateOutputPath("out/render.JPG"))
	assert.NoError(t, ValidateOutputPath("batch.zip"))
	assert.Error(t, ValidateOutputPath("out.gif"))
	assert.Error(t, ValidateOutputPath("noext"))
	assert.Error(t, ValidateOutputPath("../out.png"))
}
