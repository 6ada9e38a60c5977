package version

import (
	"encoding/json"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestString_IncludesBuildInfo(t *testing.T) {
	// Given: injected build metadata
	oldV, oldC := Version, Commit
	Version, Commit = "1.2.3", "abc123"
	t.Cleanup(func() { Version, Commit = oldV, oldC })

	// When: formatting
	s := String()

	// Then: every field appears
	assert.Contains(t, s, "amansync 1.2.3")
	assert.Contains(t, s, "commit: abc123")
	assert.Contains(t, s, runtime.Version())
	assert.Equal(t, "1.2.3", Short())
}

func TestGetInfo_JSON(t *testing.T) {
	data, err := json.Marshal(GetInfo())
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, runtime.GOOS, got["os"])
	assert.Equal(t, runtime.GOARCH, got["arch"])
	assert.NotEmpty(t, got["version"])
}
