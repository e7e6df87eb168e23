// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

// package buffer pulls whole slides from remote scanner shares onto fast
// local storage before extraction. Remote hosts are verified against keys
// pinned in the database on first contact.
package buffer

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/term"

	"github.com/pathscope/pathscope/internal/db"
	"github.com/pathscope/pathscope/internal/logging"
	"github.com/pathscope/pathscope/internal/slide"
)

// ErrHostKeyChanged indicates a remote host presented a key that differs
// from the pinned one.
var ErrHostKeyChanged = fmt.Errorf("remote host key changed")

// ErrHostUnknown indicates a remote host has no pinned key and trusting new
// hosts was not allowed.
var ErrHostUnknown = fmt.Errorf("remote host key not trusted")

// Options configures a remote connection.
type Options struct {
	Host     string
	Port     int
	User     string
	KeyPath  string // private key file; password auth when empty
	Password string
	TrustNew bool // pin unknown host keys instead of failing
	Timeout  time.Duration
}

// Client is an open SFTP session.
type Client struct {
	conn *ssh.Client
	sftp *sftp.Client
	host string
}

// hostKeyCallback verifies the remote key against the store. Unknown hosts
// are pinned when trustNew is set.
func hostKeyCallback(store db.Store, trustNew bool) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		presented := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))
		stored, err := store.GetKnownHostKey(hostname)
		if err != nil {
			return errors.Wrap(err, "failed to look up known host key")
		}
		if stored == "" {
			if !trustNew {
				return fmt.Errorf("%w: %s (%s)", ErrHostUnknown, hostname, ssh.FingerprintSHA256(key))
			}
			logging.Infof("pinning new host key for %s (%s)", hostname, ssh.FingerprintSHA256(key))
			return store.AddKnownHostKey(hostname, presented)
		}
		if stored != presented {
			return fmt.Errorf("%w: %s presented %s", ErrHostKeyChanged, hostname, ssh.FingerprintSHA256(key))
		}
		return nil
	}
}

// authMethods builds the SSH auth chain from the options. Encrypted keys
// prompt for their passphrase on the terminal.
func authMethods(opts Options) ([]ssh.AuthMethod, error) {
	if opts.KeyPath == "" {
		if opts.Password == "" {
			return nil, fmt.Errorf("no key file and no password configured")
		}
		return []ssh.AuthMethod{ssh.Password(opts.Password)}, nil
	}

	pem, err := os.ReadFile(opts.KeyPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read key %s", opts.KeyPath)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if !errors.As(err, &missing) {
			return nil, errors.Wrapf(err, "failed to parse key %s", opts.KeyPath)
		}
		fmt.Fprintf(os.Stderr, "Passphrase for %s: ", opts.KeyPath)
		passphrase, perr := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if perr != nil {
			return nil, errors.Wrap(perr, "failed to read passphrase")
		}
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, passphrase)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decrypt key %s", opts.KeyPath)
		}
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

// Connect opens an SFTP session to the remote host.
func Connect(store db.Store, opts Options) (*Client, error) {
	if opts.Host == "" || opts.User == "" {
		return nil, fmt.Errorf("remote host and user are required")
	}
	if opts.Port == 0 {
		opts.Port = 22
	}
	if opts.Timeout == 0 {
		opts.Timeout = 15 * time.Second
	}

	auth, err := authMethods(opts)
	if err != nil {
		return nil, err
	}
	cfg := &ssh.ClientConfig{
		User:            opts.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback(store, opts.TrustNew),
		Timeout:         opts.Timeout,
	}

	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	conn, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to %s", addr)
	}
	sc, err := sftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "failed to open sftp session")
	}
	return &Client{conn: conn, sftp: sc, host: opts.Host}, nil
}

// ListSlides returns the readable slide files in a remote directory.
func (c *Client) ListSlides(remoteDir string) ([]string, error) {
	entries, err := c.sftp.ReadDir(remoteDir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s on %s", remoteDir, c.host)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !slide.CanRead(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Fetch copies the remote slides into localDir, skipping files already
// present with matching size. Partial downloads land under a .part name
// and are renamed once complete. Returns the fetched file names.
func (c *Client) Fetch(ctx context.Context, remoteDir, localDir string, progress func(name string, done, total int64)) ([]string, error) {
	names, err := c.ListSlides(remoteDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(localDir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create buffer dir")
	}

	var fetched []string
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return fetched, err
		}
		remotePath := c.sftp.Join(remoteDir, name)
		localPath := filepath.Join(localDir, name)

		rstat, err := c.sftp.Stat(remotePath)
		if err != nil {
			return fetched, errors.Wrapf(err, "failed to stat %s", remotePath)
		}
		if lstat, err := os.Stat(localPath); err == nil && lstat.Size() == rstat.Size() {
			logging.Debugf("skipping %s, already buffered", name)
			continue
		}

		if err := c.fetchOne(ctx, remotePath, localPath, rstat.Size(), name, progress); err != nil {
			return fetched, err
		}
		fetched = append(fetched, name)
	}
	return fetched, nil
}

func (c *Client) fetchOne(ctx context.Context, remotePath, localPath string, size int64, name string, progress func(string, int64, int64)) error {
	src, err := c.sftp.Open(remotePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", remotePath)
	}
	defer src.Close()

	tmpPath := localPath + ".part"
	dst, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", tmpPath)
	}

	var done int64
	buf := make([]byte, 1<<20)
	for {
		if err := ctx.Err(); err != nil {
			_ = dst.Close()
			_ = os.Remove(tmpPath)
			return err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				_ = dst.Close()
				_ = os.Remove(tmpPath)
				return errors.Wrapf(werr, "failed writing %s", tmpPath)
			}
			done += int64(n)
			if progress != nil {
				progress(name, done, size)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			_ = dst.Close()
			_ = os.Remove(tmpPath)
			return errors.Wrapf(rerr, "failed reading %s", remotePath)
		}
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to finish %s", tmpPath)
	}
	return os.Rename(tmpPath, localPath)
}

// Close shuts down the session.
func (c *Client) Close() error {
	if c.sftp != nil {
		_ = c.sftp.Close()
	}
	return c.conn.Close()
}
