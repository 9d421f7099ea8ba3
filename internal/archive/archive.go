// Package archive copies finished global output logs to a results host over
// SFTP once every benchmark in the tree is done.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/alessio/shellescape"
	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/brun/internal/ssh"
)

// Publisher uploads output logs to RemoteDir on Target, keeping each log's
// path relative to Root.
type Publisher struct {
	Target    ssh.Target
	RemoteDir string
	Root      string
}

func New(target ssh.Target, remoteDir, root string) *Publisher {
	return &Publisher{Target: target, RemoteDir: remoteDir, Root: root}
}

// Publish uploads every log over a single connection and verifies each
// upload against its local SHA-256.
func (p *Publisher) Publish(ctx context.Context, logs []string) error {
	if len(logs) == 0 {
		return nil
	}
	client, err := ssh.NewClient(p.Target)
	if err != nil {
		return fmt.Errorf("archive client: %w", err)
	}
	conn, err := ssh.Dial(ctx, client)
	if err != nil {
		return err
	}
	defer conn.Close()

	for _, local := range logs {
		remote, err := RemotePath(p.Root, p.RemoteDir, local)
		if err != nil {
			return err
		}
		sum, err := Checksum(local)
		if err != nil {
			return fmt.Errorf("checksum %s: %w", local, err)
		}
		if err := ssh.PushFile(ctx, conn, local, remote); err != nil {
			return fmt.Errorf("push %s: %w", local, err)
		}
		if err := verifyRemote(conn, remote, sum); err != nil {
			return fmt.Errorf("verify %s: %w", remote, err)
		}
		log.Info().Str("log", local).Str("remote", remote).Str("host", p.Target.Host).Msg("Archived output log")
	}
	return nil
}

// RemotePath maps a local log under root to the same relative path under
// remoteDir. Logs outside root are rejected.
func RemotePath(root, remoteDir, local string) (string, error) {
	rel, err := filepath.Rel(root, local)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside %s", local, root)
	}
	return path.Join(remoteDir, filepath.ToSlash(rel)), nil
}

// Checksum returns the hex SHA-256 of a file.
func Checksum(file string) (string, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func verifyRemote(conn *xssh.Client, remote, want string) error {
	session, err := conn.NewSession()
	if err != nil {
		return fmt.Errorf("new session: %w", err)
	}
	defer session.Close()
	out, err := session.Output(shellescape.QuoteCommand([]string{"sha256sum", remote}))
	if err != nil {
		return fmt.Errorf("remote sha256sum: %w", err)
	}
	return matchSum(string(out), want)
}

// matchSum checks sha256sum output ("<hex>  <file>") against want.
func matchSum(output, want string) error {
	fields := strings.Fields(output)
	if len(fields) == 0 {
		return fmt.Errorf("empty sha256sum output")
	}
	if fields[0] != want {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", want, fields[0])
	}
	return nil
}
