package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Netflix", "netflix"},
		{"NETFLIX  Inc.", "netflix"},
		{"Spotify AB", "spotify"},
		{"Café Crème Ltd", "cafe creme"},
		{"Disney+", "disney"},
		{"  Amazon   Prime  Video ", "amazon prime video"},
		{"Ａｄｏｂｅ", "adobe"},
		{"Inc.", ""},
		{"", ""},
		{"!!!", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Name(tt.in))
		})
	}
}

func TestMatches(t *testing.T) {
	assert.True(t, Matches("netflix", "netflix"))
	assert.True(t, Matches("netflix premium", "netflix"))
	assert.True(t, Matches("spotify", "spotify family"))
	assert.False(t, Matches("hulu", "netflix"))
	assert.False(t, Matches("", "netflix"))
	assert.False(t, Matches("netflix", ""))
}
