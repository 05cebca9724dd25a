package mountpolicy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_AllowsPathUnderAllowedRoot(t *testing.T) {
	tmp := t.TempDir()
	p := New(Config{
		AllowedRoots: []AllowedRoot{{Path: tmp, AllowReadWrite: true}},
	})

	resolved, err := p.Validate(Request{HostPath: tmp + "/data", GuestPath: "data"}, true)
	require.NoError(t, err)
	assert.Equal(t, "data", resolved.GuestPath)
	assert.False(t, resolved.ReadOnly)
}

func TestValidate_RejectsPathOutsideAllowedRoots(t *testing.T) {
	tmp := t.TempDir()
	p := New(Config{
		AllowedRoots: []AllowedRoot{{Path: tmp, AllowReadWrite: true}},
	})

	_, err := p.Validate(Request{HostPath: "/etc/passwd"}, true)
	require.Error(t, err)
	var rejected *Rejected
	assert.ErrorAs(t, err, &rejected)
}

func TestValidate_RejectsBlockedPattern(t *testing.T) {
	tmp := t.TempDir()
	p := New(Config{
		AllowedRoots:    []AllowedRoot{{Path: tmp, AllowReadWrite: true}},
		BlockedPatterns: []string{".git", ".ssh"},
	})

	_, err := p.Validate(Request{HostPath: tmp + "/.git"}, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked pattern")
}

func TestValidate_NonMainWorkspaceForcedReadOnly(t *testing.T) {
	tmp := t.TempDir()
	p := New(Config{
		AllowedRoots:    []AllowedRoot{{Path: tmp, AllowReadWrite: true}},
		NonMainReadOnly: true,
	})

	resolved, err := p.Validate(Request{HostPath: tmp + "/data"}, false)
	require.NoError(t, err)
	assert.True(t, resolved.ReadOnly)
}

func TestValidate_AllowedRootWithoutReadWriteForcesReadOnly(t *testing.T) {
	tmp := t.TempDir()
	p := New(Config{
		AllowedRoots: []AllowedRoot{{Path: tmp, AllowReadWrite: false}},
	})

	resolved, err := p.Validate(Request{HostPath: tmp + "/data", ReadOnly: false}, true)
	require.NoError(t, err)
	assert.True(t, resolved.ReadOnly)
}
