package pbs

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/alessio/shellescape"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/brun/internal/ssh"
)

// Runner executes a queue command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// LocalRunner runs commands on this host.
type LocalRunner struct{}

func (LocalRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			return out, fmt.Errorf("%s exited %d: %s", name, exit.ExitCode(), strings.TrimSpace(string(out)))
		}
		return out, fmt.Errorf("run %s: %w", name, err)
	}
	return out, nil
}

// SSHRunner runs commands on a cluster login node. The connection settings
// are resolved on first use.
type SSHRunner struct {
	Target ssh.Target

	once   sync.Once
	client *ssh.Client
	err    error
}

func (r *SSHRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.once.Do(func() {
		r.client, r.err = ssh.NewClient(r.Target)
	})
	if r.err != nil {
		return nil, r.err
	}
	line := shellescape.QuoteCommand(append([]string{name}, args...))
	log.Debug().Str("host", r.Target.Host).Str("command", line).Msg("Running queue command over SSH")
	return r.client.Run(ctx, line)
}
