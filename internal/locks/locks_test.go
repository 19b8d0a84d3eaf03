package locks

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyIsStable(t *testing.T) {
	assert.Equal(t, Key("loan-001"), Key("loan-001"))
	assert.NotEqual(t, Key("loan-001"), Key("loan-002"))
}

func TestKeyDistributes(t *testing.T) {
	seen := make(map[int64]bool)
	for _, id := range []string{"a", "b", "c", "loan-1", "loan-2", "loan-10", "loan-11"} {
		k := Key(id)
		assert.False(t, seen[k], "collision for %s", id)
		seen[k] = true
	}
}
