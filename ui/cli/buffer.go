// Copyright (c) 2026 Pathscope Team
// Pathscope - deep learning toolkit for digital pathology
// This source code is licensed under the MIT license found in the LICENSE file.

package cli

import (
	"fmt"
	"net"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/pathscope/pathscope/internal/buffer"
	"github.com/pathscope/pathscope/internal/db"
	"github.com/pathscope/pathscope/internal/i18n"
	"github.com/pathscope/pathscope/internal/project"
	"github.com/pathscope/pathscope/ui/tui"
)

var (
	bufferHost       string
	bufferPort       int
	bufferUser       string
	bufferKeyPath    string
	bufferPassword   string
	bufferRemoteDir  string
	bufferSource     string
	bufferTrustNew   bool
	bufferNoProgress bool
)

// bufferCmd pulls slides from a remote scanner share into a project source.
var bufferCmd = &cobra.Command{
	Use:   "buffer",
	Short: "Buffer slides from a remote share onto local storage",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := project.Load(projectDir)
		if err != nil {
			return err
		}
		src, ok := p.Sources[bufferSource]
		if !ok {
			return fmt.Errorf("project has no source %q", bufferSource)
		}

		client, err := buffer.Connect(db.Active(), buffer.Options{
			Host:     bufferHost,
			Port:     bufferPort,
			User:     bufferUser,
			KeyPath:  bufferKeyPath,
			Password: bufferPassword,
			TrustNew: bufferTrustNew,
		})
		if err != nil {
			return err
		}
		defer client.Close()

		tracker := tui.NewPlainTracker()
		if !bufferNoProgress {
			tracker = tui.NewTracker()
		}
		fetched, err := client.Fetch(cmd.Context(), bufferRemoteDir, p.Abs(src.SlidesDir), func(name string, done, total int64) {
			if total > 0 {
				tracker.Update(name, int(done>>20), int(total>>20))
			}
		})
		tracker.Done()
		if err != nil {
			return err
		}

		fmt.Println(i18n.T("buffer.cli_done"))
		fmt.Printf("Fetched %d slide(s).\n", len(fetched))
		return nil
	},
}

// trustHostCmd pins a remote host key without transferring anything.
var trustHostCmd = &cobra.Command{
	Use:   "trust-host <host[:port]>",
	Short: "Fetch and pin a remote host's SSH key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := args[0]
		if !strings.Contains(addr, ":") {
			addr += ":22"
		}

		// Collect the presented key through a probing handshake; the
		// connection itself is expected to fail auth.
		var presented ssh.PublicKey
		cfg := &ssh.ClientConfig{
			User: "keyprobe",
			HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
				presented = key
				return nil
			},
		}
		conn, err := ssh.Dial("tcp", addr, cfg)
		if conn != nil {
			_ = conn.Close()
		}
		if presented == nil {
			return fmt.Errorf("could not obtain host key from %s: %w", addr, err)
		}

		key := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(presented)))
		if err := db.Active().AddKnownHostKey(addr, key); err != nil {
			return err
		}
		fmt.Println(i18n.T("trust_host.cli_added"))
		fmt.Printf("%s %s\n", addr, ssh.FingerprintSHA256(presented))
		return nil
	},
}

func init() {
	f := bufferCmd.Flags()
	f.StringVar(&bufferHost, "host", "", "Remote host")
	f.IntVar(&bufferPort, "port", 22, "Remote port")
	f.StringVar(&bufferUser, "user", "", "Remote user")
	f.StringVar(&bufferKeyPath, "key", "", "Private key file (password auth when empty)")
	f.StringVar(&bufferPassword, "password", "", "Password for password auth")
	f.StringVar(&bufferRemoteDir, "remote-dir", ".", "Remote directory holding the slides")
	f.StringVar(&bufferSource, "source", "default", "Project source receiving the slides")
	f.BoolVar(&bufferTrustNew, "trust-new", false, "Pin unknown host keys on first contact")
	f.BoolVar(&bufferNoProgress, "no-progress", false, "Disable the interactive progress display")
}
