package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	xssh "golang.org/x/crypto/ssh"
)

// Target describes a host reached over SSH, e.g. the cluster login node or
// the results archive.
type Target struct {
	Host       string        `yaml:"host"`
	User       string        `yaml:"user"`
	Port       int           `yaml:"port"`
	KeyPath    string        `yaml:"key_path"`
	KnownHosts string        `yaml:"known_hosts"`
	Timeout    time.Duration `yaml:"timeout"`
}

func (t Target) Addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

type Client struct {
	Addr       string
	User       string
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
}

// NewClient loads the key and known_hosts file named by t. Host keys are
// always verified.
func NewClient(t Target) (*Client, error) {
	if t.Host == "" {
		return nil, errors.New("ssh: host required")
	}
	keyPath := t.KeyPath
	if keyPath == "" {
		home, _ := os.UserHomeDir()
		keyPath = filepath.Join(home, ".ssh", "id_ed25519")
	}
	signer, err := LoadPrivateKeySigner(keyPath)
	if err != nil {
		return nil, err
	}
	kh, err := LoadKnownHostsCallback(t.KnownHosts)
	if err != nil {
		return nil, err
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{Addr: t.Addr(), User: t.User, Signer: signer, KnownHosts: kh, Timeout: timeout}, nil
}

func (c *Client) makeConfig() (*xssh.ClientConfig, error) {
	if c.Signer == nil {
		return nil, errors.New("ssh: signer required")
	}
	if c.KnownHosts == nil {
		return nil, errors.New("ssh: host key callback required")
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: c.KnownHosts,
		Timeout:         c.Timeout,
	}, nil
}

// Dial establishes an SSH connection. The caller closes the returned client.
func Dial(ctx context.Context, c *Client) (*xssh.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, err
	}
	type res struct {
		cli *xssh.Client
		err error
	}
	ch := make(chan res, 1)
	go func() {
		cli, err := xssh.Dial("tcp", c.Addr, cfg)
		ch <- res{cli: cli, err: err}
	}()
	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.cli != nil {
				_ = r.cli.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("ssh dial %s: %w", c.Addr, r.err)
		}
		return r.cli, nil
	}
}

// Run executes command on the remote host and returns its combined stdout
// and stderr. There is no retry: a failed connection is reported as is.
func (c *Client) Run(ctx context.Context, command string) ([]byte, error) {
	cli, err := Dial(ctx, c)
	if err != nil {
		return nil, err
	}
	defer cli.Close()
	session, err := cli.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(command)
		done <- result{out: out, err: err}
	}()
	select {
	case <-ctx.Done():
		_ = session.Signal(xssh.SIGTERM)
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return r.out, fmt.Errorf("run %q: %w", command, r.err)
		}
		return r.out, nil
	}
}
