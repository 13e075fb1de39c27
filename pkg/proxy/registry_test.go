package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryClaimAndRelease(t *testing.T) {
	r := NewWorkerRegistry()

	assert.Equal(t, 1, r.Claim("c1", "acct.rig01"))
	assert.Equal(t, 2, r.Claim("c2", "acct.rig01"))
	assert.Equal(t, 1, r.Claim("c3", "acct.rig02"))

	base, last := r.Release("c1")
	assert.Equal(t, "acct.rig01", base)
	assert.False(t, last)

	base, last = r.Release("c2")
	assert.Equal(t, "acct.rig01", base)
	assert.True(t, last)

	base, last = r.Release("c3")
	assert.Equal(t, "acct.rig02", base)
	assert.True(t, last)
}

func TestRegistryReleaseWithoutClaim(t *testing.T) {
	r := NewWorkerRegistry()
	base, last := r.Release("never-claimed")
	assert.Empty(t, base)
	assert.False(t, last)
}

func TestRegistryRebase(t *testing.T) {
	r := NewWorkerRegistry()

	assert.Equal(t, 1, r.Claim("c1", "acct.old"))
	assert.Equal(t, 1, r.Claim("c2", "acct.new"))

	// Re-authorizing with a new worker frees the old base.
	assert.Equal(t, 2, r.Claim("c1", "acct.new"))
	assert.Equal(t, 0, r.Count("acct.old"))
	assert.Equal(t, 2, r.Count("acct.new"))

	_, last := r.Release("c1")
	assert.False(t, last)
	_, last = r.Release("c2")
	assert.True(t, last)
}
