package sshtransport

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArgs_BuildsInvariantOptions(t *testing.T) {
	o := Options{
		VmId:         "vm-abc123",
		ProxySuffix:  "vers-proxy.dev",
		ProxyBinary:  "tlsproxy",
		IdentityFile: "/tmp/key.pem",
	}
	args := Args(o, "echo hello")

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-i /tmp/key.pem")
	assert.Contains(t, joined, "StrictHostKeyChecking=no")
	assert.Contains(t, joined, "UserKnownHostsFile=/dev/null")
	assert.Contains(t, joined, "ConnectTimeout=30")
	assert.Contains(t, joined, "ServerAliveInterval=15")
	assert.Contains(t, joined, "ServerAliveCountMax=4")
	assert.Contains(t, joined, "ProxyCommand=tlsproxy vm-abc123.vers-proxy.dev 443")
	assert.Contains(t, args, "root@vm-abc123.vers-proxy.dev")
	assert.Equal(t, "echo hello", args[len(args)-1])
}

func TestQuoteSingle(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"no special chars", "hello", "'hello'"},
		{"contains single quote", "it's", `'it'\''s'`},
		{"empty", "", "''"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, QuoteSingle(tt.input))
		})
	}
}

// fakeSSH writes a shell script that ignores all of its arguments (the
// real SSH options and ProxyCommand aren't meaningful without a live
// VM) and instead behaves according to the given script body, standing
// in for the real ssh binary in tests.
func fakeSSH(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fakessh.sh")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func testOptions() Options {
	return Options{VmId: "vm-1", ProxySuffix: "suf", ProxyBinary: "proxy", IdentityFile: "/tmp/k.pem"}
}

func TestExec_CollectsStdoutAndExitCode(t *testing.T) {
	sshBinary := fakeSSH(t, `echo "hello from vm"`)
	result, err := Exec(t.Context(), sshBinary, testOptions(), "echo hi")
	require.NoError(t, err)
	assert.Equal(t, "hello from vm\n", result.Stdout)
	assert.Equal(t, 0, result.ExitCode)
}

func TestExec_NonZeroExitCode(t *testing.T) {
	sshBinary := fakeSSH(t, `echo "boom" >&2
exit 1`)
	result, err := Exec(t.Context(), sshBinary, testOptions(), "false")
	require.NoError(t, err)
	assert.Equal(t, 1, result.ExitCode)
	assert.Equal(t, "boom\n", result.Stderr)
}

func TestExecWithStdin_WritesAndClosesStdin(t *testing.T) {
	outFile := filepath.Join(t.TempDir(), "captured.txt")
	sshBinary := fakeSSH(t, fmt.Sprintf(`cat > %s`, outFile))

	err := ExecWithStdin(t.Context(), sshBinary, testOptions(), "cat > in", `{"type":"get_state"}`+"\n")
	require.NoError(t, err)

	data, err := os.ReadFile(outFile)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"get_state"}`+"\n", string(data))
}

func TestExecWithStdin_ReturnsErrorOnFailure(t *testing.T) {
	sshBinary := fakeSSH(t, `echo "bad fifo" >&2
exit 1`)
	err := ExecWithStdin(t.Context(), sshBinary, testOptions(), "cat > in", "data")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad fifo")
}

func TestStreamExec_DeliversChunksAndExitCode(t *testing.T) {
	sshBinary := fakeSSH(t, `echo "streamed output"`)

	var chunks []byte
	code, err := StreamExec(t.Context(), sshBinary, testOptions(), "stream cmd", 0, func(c []byte) {
		chunks = append(chunks, c...)
	})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "streamed output\n", string(chunks))
}

func TestStreamExec_Timeout(t *testing.T) {
	sshBinary := fakeSSH(t, `sleep 2`)

	_, err := StreamExec(t.Context(), sshBinary, testOptions(), "sleep cmd", 100*time.Millisecond, func([]byte) {})
	require.Error(t, err)
	var timeoutErr *TimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
}

func TestStreamExec_NonZeroExitCode(t *testing.T) {
	sshBinary := fakeSSH(t, `exit 3`)

	code, err := StreamExec(t.Context(), sshBinary, testOptions(), "fail cmd", 0, func([]byte) {})
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestKeyStore_PutPathRemove(t *testing.T) {
	ks, err := NewKeyStore()
	require.NoError(t, err)
	defer ks.Close()

	path, err := ks.Put("vm-abcdefghijklmnop", "key-material")
	require.NoError(t, err)
	assert.Equal(t, ks.Path("vm-abcdefghijklmnop"), path)
	assert.Equal(t, fmt.Sprintf("vers-%s.pem", "vm-abcdefghi"), filepath.Base(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "key-material", string(data))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, ks.Remove("vm-abcdefghijklmnop"))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestKeyStore_RemoveMissingIsNotError(t *testing.T) {
	ks, err := NewKeyStore()
	require.NoError(t, err)
	defer ks.Close()

	assert.NoError(t, ks.Remove("vm-never-written"))
}
