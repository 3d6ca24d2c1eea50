package worker

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommNameKeepsWorkerID(t *testing.T) {
	seen := make(map[string]int)
	for _, id := range []int{0, 3, 7, 42, 999, 123456} {
		name := commName(DisplayName(id))
		assert.LessOrEqual(t, len(name), maxCommLen, name)
		assert.Regexp(t, "-"+strconv.Itoa(id)+"$", name)
		if prev, ok := seen[name]; ok {
			t.Errorf("workers %d and %d share comm %q", prev, id, name)
		}
		seen[name] = id
	}
}

func TestCommName(t *testing.T) {
	tests := []struct {
		title string
		want  string
	}{
		{"short", "short"},
		{"[bracketed]", "bracketed"},
		{"thriftpool-worker-3", "thriftpool-wo-3"},
		{"a-very-long-title-without-id", "a-very-long-tit"},
		{"x-1234567890123456", "234567890123456"},
	}
	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			assert.Equal(t, tt.want, commName(tt.title))
		})
	}
}
