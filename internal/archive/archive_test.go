package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/brun/internal/ssh"
	"github.com/3cpo-dev/brun/internal/ssh/sshtest"
)

func TestRemotePath(t *testing.T) {
	tests := []struct {
		name, root, remote, local, want string
		wantErr                         bool
	}{
		{name: "benchmark log", root: "/bench", remote: "/srv/results", local: "/bench/bm1/karst_output.txt", want: "/srv/results/bm1/karst_output.txt"},
		{name: "trailing slash", root: "/bench/", remote: "/srv/results/", local: "/bench/bm2/karst_output.txt", want: "/srv/results/bm2/karst_output.txt"},
		{name: "outside root", root: "/bench", remote: "/srv", local: "/etc/passwd", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RemotePath(tt.root, tt.remote, tt.local)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChecksum(t *testing.T) {
	p := filepath.Join(t.TempDir(), "karst_output.txt")
	require.NoError(t, os.WriteFile(p, []byte("hello\n"), 0o644))
	sum, err := Checksum(p)
	require.NoError(t, err)
	assert.Equal(t, "5891b5b522d5df086d0ff0b110fbd9d21bb4fc7163af34d08286a2e846f6be03", sum)

	_, err = Checksum(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestMatchSum(t *testing.T) {
	want := "5891b5b522d5df086d0ff0b110fbd9d21bb4fc7163af34d08286a2e846f6be03"
	assert.NoError(t, matchSum(want+"  /srv/results/bm1/karst_output.txt\n", want))
	assert.Error(t, matchSum("deadbeef  /srv/x\n", want))
	assert.Error(t, matchSum("", want))
}

func TestPublishNothingIsNoop(t *testing.T) {
	p := New(ssh.Target{}, "/srv", "/bench")
	assert.NoError(t, p.Publish(context.Background(), nil))
}

func TestPublishWithoutKeyFails(t *testing.T) {
	p := New(ssh.Target{
		Host:       "archive.invalid",
		KeyPath:    filepath.Join(t.TempDir(), "no_key"),
		KnownHosts: filepath.Join(t.TempDir(), "known_hosts"),
	}, "/srv", "/bench")
	err := p.Publish(context.Background(), []string{"/bench/bm1/karst_output.txt"})
	assert.Error(t, err)
}

// sha256sumHandler answers "sha256sum <path>" from the local filesystem the
// test server shares with the test.
func sha256sumHandler(override string) sshtest.ExecFunc {
	return func(cmd string, stdout, stderr io.Writer) int {
		if !strings.HasPrefix(cmd, "sha256sum ") {
			fmt.Fprintf(stderr, "unexpected command %q\n", cmd)
			return 127
		}
		file := strings.Trim(strings.TrimPrefix(cmd, "sha256sum "), "'")
		sum, err := Checksum(file)
		if err != nil {
			fmt.Fprintf(stderr, "sha256sum: %v\n", err)
			return 1
		}
		if override != "" {
			sum = override
		}
		fmt.Fprintf(stdout, "%s  %s\n", sum, file)
		return 0
	}
}

func serverTarget(srv *sshtest.Server) ssh.Target {
	return ssh.Target{Host: srv.Host, Port: srv.Port, User: "bench", KeyPath: srv.KeyPath, KnownHosts: srv.KnownHosts}
}

func writeLogs(t *testing.T, root string, content map[string]string) []string {
	t.Helper()
	var logs []string
	for _, bm := range []string{"bm1", "bm2"} {
		p := filepath.Join(root, bm, "karst_output.txt")
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content[bm]), 0o644))
		logs = append(logs, p)
	}
	return logs
}

func TestPublishUploadsAndVerifies(t *testing.T) {
	srv := sshtest.NewServer(t, sha256sumHandler(""))
	root := t.TempDir()
	remoteDir := filepath.Join(t.TempDir(), "benchmark results")
	logs := writeLogs(t, root, map[string]string{"bm1": "1 [0.5]\n", "bm2": "2-1 [0.7]\n"})

	p := New(serverTarget(srv), remoteDir, root)
	require.NoError(t, p.Publish(context.Background(), logs))

	for bm, want := range map[string]string{"bm1": "1 [0.5]\n", "bm2": "2-1 [0.7]\n"} {
		got, err := os.ReadFile(filepath.Join(remoteDir, bm, "karst_output.txt"))
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
	cmds := srv.Commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, "sha256sum '"+filepath.Join(remoteDir, "bm1", "karst_output.txt")+"'", cmds[0])
}

func TestPublishReplacesExistingLog(t *testing.T) {
	srv := sshtest.NewServer(t, sha256sumHandler(""))
	root := t.TempDir()
	remoteDir := t.TempDir()
	stale := filepath.Join(remoteDir, "bm1", "karst_output.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o755))
	require.NoError(t, os.WriteFile(stale, []byte("old results that are much longer than the new ones\n"), 0o644))

	logs := writeLogs(t, root, map[string]string{"bm1": "1 [1]\n", "bm2": "2 [2]\n"})
	require.NoError(t, New(serverTarget(srv), remoteDir, root).Publish(context.Background(), logs))

	got, err := os.ReadFile(stale)
	require.NoError(t, err)
	assert.Equal(t, "1 [1]\n", string(got))
	_, err = os.Stat(stale + ".part")
	assert.True(t, os.IsNotExist(err))
}

func TestPublishChecksumMismatch(t *testing.T) {
	srv := sshtest.NewServer(t, sha256sumHandler(strings.Repeat("0", 64)))
	root := t.TempDir()
	logs := writeLogs(t, root, map[string]string{"bm1": "1 [1]\n", "bm2": "2 [2]\n"})

	err := New(serverTarget(srv), t.TempDir(), root).Publish(context.Background(), logs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
	assert.Len(t, srv.Commands(), 1, "stops at the first bad upload")
}
