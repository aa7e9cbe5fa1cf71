package version

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfoString(t *testing.T) {
	info := Info{Version: "v0.4.0", CommitHash: "9f2c41d7be01", BuildTime: "2026-03-14T09:00:00Z"}
	assert.Equal(t, "kairos v0.4.0 (commit 9f2c41d, built 2026-03-14T09:00:00Z)", info.String())

	info.Modified = true
	assert.Contains(t, info.String(), "9f2c41d-dirty")

	assert.Equal(t, "abc", Info{CommitHash: "abc"}.Short())
}

func TestWithBuildSettings(t *testing.T) {
	info := withBuildSettings(Info{BuildTime: "unknown"}, []debug.BuildSetting{
		{Key: "vcs.revision", Value: "4e1d0c2a77"},
		{Key: "vcs.time", Value: "2026-02-01T12:00:00Z"},
		{Key: "vcs.modified", Value: "true"},
		{Key: "GOARCH", Value: "arm64"},
	})
	assert.Equal(t, "4e1d0c2a77", info.CommitHash)
	assert.Equal(t, "2026-02-01T12:00:00Z", info.BuildTime)
	assert.True(t, info.Modified)

	info = withBuildSettings(Info{BuildTime: "from-ldflags"}, []debug.BuildSetting{{Key: "vcs.time", Value: "x"}})
	assert.Equal(t, "from-ldflags", info.BuildTime)
}

func TestGetFillsRuntime(t *testing.T) {
	info := Get()
	assert.NotEmpty(t, info.GoVersion)
	assert.NotEmpty(t, info.Platform)
	assert.NotEmpty(t, info.CommitHash)
}
