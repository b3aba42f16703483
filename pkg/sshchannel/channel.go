// Package sshchannel implements the persistent SSH command channel: one
// transport per build, authenticated against a configured private key and
// a host key sourced from the guest's phone-home payload, multiplexing
// sequential exec requests (spec §4.B).
package sshchannel

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/GaretJax/ipd/pkg/ipderrors"
)

// Channel is the narrow capability the lifecycle driver consumes (§9
// "resource polymorphism via interfaces").
type Channel interface {
	// ExecCommand opens a channel on the existing transport, waits for it
	// to close, and returns concatenated stdout. There is no retry here;
	// retry policy belongs to the lifecycle driver.
	ExecCommand(cmd string) ([]byte, int, error)
	// Disconnect cleanly tears down the transport and blocks until closed.
	Disconnect() error
}

// client is the concrete Channel over golang.org/x/crypto/ssh.
type client struct {
	conn   net.Conn
	sshCli *ssh.Client
}

// Dial opens one SSH session to addr as user, authenticating with signer
// and validating the host key against hostKey - the public key the guest
// reported in its phone-home payload. ctx bounds the TCP connect +
// handshake; there is no separate retry inside the channel (§4.B).
func Dial(ctx context.Context, addr, user string, signer ssh.Signer, hostKey ssh.PublicKey, timeout time.Duration) (Channel, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, ipderrors.Wrap(ipderrors.KindSSH, addr, err)
	}

	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: knownHost(hostKey),
		Timeout:         timeout,
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, ipderrors.Wrap(ipderrors.KindSSH, addr, err)
	}

	return &client{conn: conn, sshCli: ssh.NewClient(sshConn, chans, reqs)}, nil
}

// knownHost builds a HostKeyCallback whose sole entry is expected, matching
// §4.B's "in-memory known-hosts table whose sole entry is the public host
// key the guest reported in its phone-home payload".
func knownHost(expected ssh.PublicKey) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if !bytes.Equal(key.Marshal(), expected.Marshal()) {
			return ipderrors.New(ipderrors.KindSSH, hostname+": host key mismatch")
		}
		return nil
	}
}

func (c *client) ExecCommand(cmd string) ([]byte, int, error) {
	session, err := c.sshCli.NewSession()
	if err != nil {
		return nil, 0, ipderrors.Wrap(ipderrors.KindSSH, cmd, err)
	}
	defer session.Close()

	var stdout bytes.Buffer
	session.Stdout = &stdout

	err = session.Run(cmd)
	if err == nil {
		return stdout.Bytes(), 0, nil
	}

	var exitErr *ssh.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return stdout.Bytes(), exitErr.ExitStatus(), nil
	}
	return stdout.Bytes(), -1, ipderrors.Wrap(ipderrors.KindSSH, cmd, err)
}

func asExitError(err error, target **ssh.ExitError) bool {
	if e, ok := err.(*ssh.ExitError); ok {
		*target = e
		return true
	}
	return false
}

func (c *client) Disconnect() error {
	err := c.sshCli.Close()
	if err != nil {
		return ipderrors.Wrap(ipderrors.KindSSH, "disconnect", err)
	}
	return nil
}

// ParseAuthorizedKey parses one line of authorized_keys-format public key
// data, as reported in the phone-home form field pub_key_<algorithm>.
func ParseAuthorizedKey(data string) (ssh.PublicKey, error) {
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("parsing host key: %w", err)
	}
	return key, nil
}
