//go:build unit

package constant

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeMetricLabel(t *testing.T) {
	t.Parallel()

	longType := "order.placed." + strings.Repeat("v", 80)

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "message type kept", input: "server-time.cache-invalidated.v1", want: "server-time.cache-invalidated.v1"},
		{name: "blank becomes unknown", input: "  ", want: "unknown"},
		{name: "surrounding space trimmed", input: " connect ", want: "connect"},
		{name: "long type cut at limit", input: longType, want: longType[:MaxMetricLabelLength]},
		{name: "multibyte rune never split", input: strings.Repeat("a", 63) + "é", want: strings.Repeat("a", 63)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := SanitizeMetricLabel(tt.input)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, len(got), MaxMetricLabelLength)
			assert.True(t, utf8.ValidString(got))
		})
	}
}
