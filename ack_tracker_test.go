package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAckTracker(t *testing.T) {
	t.Run("tracks targets until acknowledged", func(t *testing.T) {
		tr := newAckTracker([]string{"s1", "s2"})

		assert.Equal(t, 2, tr.Len())
		assert.False(t, tr.Empty())
		assert.True(t, tr.IsPending("s1"))

		assert.True(t, tr.Ack("s1"))
		assert.False(t, tr.IsPending("s1"))
		assert.Equal(t, []string{"s2"}, tr.Outstanding())

		assert.True(t, tr.Ack("s2"))
		assert.True(t, tr.Empty())
	})

	t.Run("duplicate and unknown acks are ignored", func(t *testing.T) {
		tr := newAckTracker([]string{"s1"})

		assert.True(t, tr.Ack("s1"))
		assert.False(t, tr.Ack("s1"))
		assert.False(t, tr.Ack("s9"))
	})

	t.Run("mark sent once per target", func(t *testing.T) {
		tr := newAckTracker([]string{"s1"})

		assert.True(t, tr.MarkSent("s1"))
		assert.False(t, tr.MarkSent("s1"))
		assert.False(t, tr.MarkSent("s9"))
		assert.True(t, tr.IsPending("s1"))
	})

	t.Run("acknowledged target cannot be marked sent", func(t *testing.T) {
		tr := newAckTracker([]string{"s1"})
		tr.Ack("s1")

		assert.False(t, tr.MarkSent("s1"))
	})

	t.Run("no targets", func(t *testing.T) {
		tr := newAckTracker(nil)

		assert.True(t, tr.Empty())
		assert.Empty(t, tr.Outstanding())
	})
}
