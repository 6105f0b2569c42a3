package file

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatSize(t *testing.T) {
	tests := []struct {
		size int64
		want string
	}{
		{-1, "n/a"},
		{0, "0 byte"},
		{1023, "1023 byte"},
		{1024, "1.00 KiB"},
		{1536, "1.50 KiB"},
		{5 << 20, "5.00 MiB"},
		{3 << 30, "3.00 GiB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatSize(tt.size), "size %d", tt.size)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{-time.Second, "n/a"},
		{500 * time.Millisecond, "<1 second"},
		{42 * time.Second, "42 seconds"},
		{90 * time.Second, "1.5 minutes"},
		{150 * time.Minute, "2.5 hours"},
		{36 * time.Hour, "1.5 days"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.d), "duration %s", tt.d)
	}
}
