//go:build unix

package syncer

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shTool runs script through sh; the sources and destination become $1...
func shTool(script string) *Command {
	return &Command{Path: "sh", Options: []string{"-c", script, "sync"}, GracePeriod: time.Second}
}

func TestCommand_Args(t *testing.T) {
	c := &Command{Path: "rsync", Options: []string{"-aHAX", "--delete"}}
	assert.Equal(t,
		[]string{"-aHAX", "--delete", "/a", "/b", "/mnt/x/dev/backup"},
		c.Args([]string{"/a", "/b"}, "/mnt/x/dev/backup"))
}

func TestCommand_Success(t *testing.T) {
	var out bytes.Buffer
	code, err := shTool(`echo "copy $*"; echo warn >&2`).Run(context.Background(), []string{"/a", "/b"}, "/dest", &out)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "copy /a /b /dest")
	assert.Contains(t, out.String(), "warn")
}

func TestCommand_ExitCodePropagated(t *testing.T) {
	var out bytes.Buffer
	code, err := shTool("exit 23").Run(context.Background(), []string{"/a"}, "/dest", &out)
	require.NoError(t, err)
	assert.Equal(t, 23, code)
}

func TestCommand_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	var out bytes.Buffer
	code, err := shTool("sleep 30").Run(ctx, []string{"/a"}, "/dest", &out)
	require.NoError(t, err)
	assert.NotEqual(t, 0, code)
}

func TestCommand_MissingTool(t *testing.T) {
	c := &Command{Path: "/nonexistent/rsync"}
	_, err := c.Run(context.Background(), []string{"/a"}, "/dest", &bytes.Buffer{})
	assert.Error(t, err)
}
