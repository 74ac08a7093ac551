package commands

import (
	"bytes"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/debugmcp/mcp-debugger-sub008/internal/version"
)

func runVersionCommand(t *testing.T, args ...string) string {
	t.Helper()

	cmd, err := NewVersionCommand(logr.Discard())
	require.NoError(t, err)

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return out.String()
}

func TestVersionCommandPrintsJSON(t *testing.T) {
	t.Parallel()

	out := runVersionCommand(t)
	require.True(t, gjson.Valid(out), "output is not JSON: %s", out)
	assert.Equal(t, version.Version().Version, gjson.Get(out, "version").Str)
	assert.NotEmpty(t, gjson.Get(out, "goVersion").Str)
}

func TestVersionCommandShort(t *testing.T) {
	t.Parallel()

	assert.Equal(t, version.Version().Version+"\n", runVersionCommand(t, "--short"))
}
