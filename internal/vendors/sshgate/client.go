package sshgate

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/ssh"
)

// Credentials select password or key authentication. A private key takes
// precedence when both are set.
type Credentials struct {
	Username   string
	Password   string
	PrivateKey string
	Passphrase string
	// HostKey pins the server key, in authorized_keys format
	HostKey string
	// InsecureSkipHostKey accepts any server key when HostKey is empty
	InsecureSkipHostKey bool
}

// ErrHostKeyRequired is returned when no host key is pinned and skipping
// verification was not asked for
var ErrHostKeyRequired = errors.New("host key is required (set insecureSkipHostKey to skip verification)")

// ExitError is a command that ran and exited non-zero
type ExitError struct {
	Status int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := "exit status " + strconv.Itoa(e.Status)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// clientConfig builds an ssh.ClientConfig from credentials
func clientConfig(c Credentials, timeout time.Duration) (*ssh.ClientConfig, error) {
	if c.Username == "" {
		return nil, errors.New("username is required")
	}

	var auth ssh.AuthMethod
	switch {
	case c.PrivateKey != "":
		var (
			signer ssh.Signer
			err    error
		)
		if c.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(c.PrivateKey), []byte(c.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(c.PrivateKey))
		}
		if err != nil {
			return nil, errors.Wrap(err, "parse private key")
		}
		auth = ssh.PublicKeys(signer)
	case c.Password != "":
		auth = ssh.Password(c.Password)
	default:
		return nil, errors.New("password or private key is required")
	}

	var hostKey ssh.HostKeyCallback
	switch {
	case c.HostKey != "":
		pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(c.HostKey))
		if err != nil {
			return nil, errors.Wrap(err, "parse host key")
		}
		hostKey = ssh.FixedHostKey(pub)
	case c.InsecureSkipHostKey:
		hostKey = ssh.InsecureIgnoreHostKey()
	default:
		return nil, ErrHostKeyRequired
	}

	return &ssh.ClientConfig{
		User:            c.Username,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, nil
}

// dial opens an SSH client connection honoring ctx during the TCP dial
func dial(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := &net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "ssh handshake")
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// run executes cmd and returns its stdout. A non-zero exit is an
// *ExitError; the process is killed when ctx ends.
func run(ctx context.Context, client *ssh.Client, cmd string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", errors.Wrap(err, "open session")
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case err := <-done:
		var exit *ssh.ExitError
		switch {
		case errors.As(err, &exit):
			return stdout.String(), &ExitError{Status: exit.ExitStatus(), Stderr: strings.TrimSpace(stderr.String())}
		case err != nil:
			return "", errors.Wrap(err, "run command")
		}
		return stdout.String(), nil
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	}
}

// follow runs a long-lived command and calls fn for each output line
// until ctx ends or the command exits
func follow(ctx context.Context, client *ssh.Client, cmd string, fn func(line []byte)) error {
	session, err := client.NewSession()
	if err != nil {
		return errors.Wrap(err, "open session")
	}
	defer session.Close()

	out, err := session.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "stdout pipe")
	}
	if err := session.Start(cmd); err != nil {
		return errors.Wrap(err, "start command")
	}

	stop := context.AfterFunc(ctx, func() {
		_ = session.Signal(ssh.SIGTERM)
		session.Close()
	})
	defer stop()

	sc := bufio.NewScanner(out)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		fn(sc.Bytes())
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := sc.Err(); err != nil {
		return errors.Wrap(err, "read output")
	}
	if err := session.Wait(); err != nil {
		return errors.Wrap(err, "command exited")
	}
	return errors.New("command exited")
}

// shellQuote wraps s in single quotes for a POSIX shell
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
