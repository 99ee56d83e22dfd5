package progress_test

import (
	"bytes"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ibgate-project/ibgate/pkg/progress"
)

func pairs(n int) iter.Seq2[int, error] {
	return func(yield func(int, error) bool) {
		for i := 0; i < n; i++ {
			if !yield(i, nil) {
				return
			}
		}
	}
}

func TestTrack_CountsEveryPair(t *testing.T) {
	var calls []int
	cb := func(op string, current, total int, message string) {
		assert.Equal(t, "import", op)
		calls = append(calls, current)
	}
	var got []int
	for v := range progress.Track("import", pairs(3), cb) {
		got = append(got, v)
	}
	assert.Equal(t, []int{0, 1, 2}, got)
	assert.Equal(t, []int{1, 2, 3}, calls)
}

func TestTrack_StopsEarly(t *testing.T) {
	n := 0
	for range progress.Track("import", pairs(10), nil) {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestCounter(t *testing.T) {
	var buf bytes.Buffer
	c := progress.NewCounter("import", true)
	c.SetOutput(&buf)

	for range progress.Track("import", pairs(4), c.Callback()) {
	}
	c.Done("")

	assert.Equal(t, 4, c.Current())
	assert.Contains(t, buf.String(), "import... 4 records")
	assert.Contains(t, buf.String(), "import complete (4 records)\n")
}

func TestCounter_Disabled(t *testing.T) {
	var buf bytes.Buffer
	c := progress.NewCounter("import", false)
	c.SetOutput(&buf)
	c.Callback()("import", 5, 0, "")
	c.Done("")
	assert.Empty(t, buf.String())
	assert.Equal(t, 5, c.Current())
}
