package jobkey

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"reminderd/internal/recurrence"
)

func TestUniqueKey(t *testing.T) {
	assert.Equal(t, "u1:h1:7:30", UniqueKey("u1", "h1", 7, 30))
	assert.Equal(t, UniqueKey("u1", "h1", 7, 30), UniqueKey("u1", "h1", 7, 30))
	assert.NotEqual(t, UniqueKey("u1", "23", 4, 5), UniqueKey("u12", "3", 4, 5))
	assert.NotEqual(t, UniqueKey("u1", "h1", 7, 30), UniqueKey("u1", "h1", 7, 31))
}

func TestJobName(t *testing.T) {
	assert.Equal(t, "reminder-h42-9-15", JobName("h42", 9, 15))
}

func TestForDescriptor(t *testing.T) {
	key, name := ForDescriptor("U", "H", recurrence.Descriptor{Hour: 9, Minute: 15})
	assert.Equal(t, "U:H:9:15", key)
	assert.Equal(t, "reminder-H-9-15", name)
}

func TestOnceKey(t *testing.T) {
	assert.Equal(t, "once:nudge:1700000000000", OnceKey("nudge", 1700000000000))
}

func TestCheckID(t *testing.T) {
	assert.NoError(t, CheckID("u1"))
	assert.NoError(t, CheckID(""))
	assert.ErrorIs(t, CheckID("a:b"), ErrSeparator)
}
