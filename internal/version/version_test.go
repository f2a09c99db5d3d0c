package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	prev := []string{Version, GitSHA, BuildTime}
	t.Cleanup(func() { Version, GitSHA, BuildTime = prev[0], prev[1], prev[2] })

	Version, GitSHA, BuildTime = "1.2.0", "abc123", "2025-03-01"
	assert.Equal(t, "1.2.0 (abc123, built 2025-03-01)", String())
}
