package guest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	cmd   string
	stdin string
}

type fakeRunner struct {
	calls []call
	fail  map[string]error
	out   map[string]string
}

func (f *fakeRunner) Run(_ context.Context, cmd string, stdin io.Reader) ([]byte, error) {
	c := call{cmd: cmd}
	if stdin != nil {
		b, _ := io.ReadAll(stdin)
		c.stdin = string(b)
	}
	f.calls = append(f.calls, c)
	for prefix, err := range f.fail {
		if strings.HasPrefix(cmd, prefix) {
			return nil, err
		}
	}
	for prefix, out := range f.out {
		if strings.HasPrefix(cmd, prefix) {
			return []byte(out), nil
		}
	}
	return nil, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDeployUploadsChmodsAndLaunches(t *testing.T) {
	r := &fakeRunner{}
	d := NewDeployer(r, discardLogger())

	require.NoError(t, d.Deploy(context.Background(), writeScript(t, "#!/bin/sh\necho hi\n")))
	require.Len(t, r.calls, 3)
	assert.Equal(t, "cat > /tmp/script.sh", r.calls[0].cmd)
	assert.Equal(t, "#!/bin/sh\necho hi\n", r.calls[0].stdin)
	assert.Equal(t, "chmod +x /tmp/script.sh", r.calls[1].cmd)
	assert.Contains(t, r.calls[2].cmd, "/tmp/script.sh > /tmp/script_output.log 2>&1")
	assert.True(t, strings.HasSuffix(r.calls[2].cmd, "&"))
}

func TestDeployCopyFailureIsFatal(t *testing.T) {
	r := &fakeRunner{fail: map[string]error{"cat >": errors.New("connection refused")}}
	d := NewDeployer(r, discardLogger())

	err := d.Deploy(context.Background(), writeScript(t, "true"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "copy script")
	assert.Len(t, r.calls, 1)
}

func TestDeployChmodAndLaunchFailuresAreWarnings(t *testing.T) {
	r := &fakeRunner{fail: map[string]error{
		"chmod": errors.New("permission denied"),
		"nohup": errors.New("exit 1"),
	}}
	d := NewDeployer(r, discardLogger())
	assert.NoError(t, d.Deploy(context.Background(), writeScript(t, "true")))
	assert.Len(t, r.calls, 3)
}

func TestDeployMissingScript(t *testing.T) {
	d := NewDeployer(&fakeRunner{}, discardLogger())
	err := d.Deploy(context.Background(), filepath.Join(t.TempDir(), "missing.sh"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestOutput(t *testing.T) {
	r := &fakeRunner{out: map[string]string{"cat /tmp/script_output.log": "line one\nline two\n"}}
	d := NewDeployer(r, discardLogger())
	out, err := d.Output(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", out)

	empty := NewDeployer(&fakeRunner{}, discardLogger())
	out, err = empty.Output(context.Background())
	require.NoError(t, err)
	assert.Equal(t, noOutputMarker, out)
}
