package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"

	"gitlab.bluewillows.net/root/droidssh/internal/config"
	"gitlab.bluewillows.net/root/droidssh/pkg/sshutil"
)

// Remote locations used by InstallKey, relative to the login directory.
const (
	remoteSSHDir         = ".ssh"
	remoteAuthorizedKeys = ".ssh/authorized_keys"
)

// ErrNoPublicKey is returned when InstallKey has no key to install.
var ErrNoPublicKey = errors.New("no public key: pass public_key_path or configure key_path")

// InstallKeyResult describes the outcome of InstallKey.
type InstallKeyResult struct {
	KeyPath        string
	Fingerprint    string
	AlreadyPresent bool
}

// InstallKey appends a local public key to ~/.ssh/authorized_keys on the
// device over SFTP. It needs a session that can authenticate, normally by
// password. The key defaults to key_path with a .pub suffix.
func (s *Service) InstallKey(ctx context.Context, publicKeyPath string) (*InstallKeyResult, error) {
	client, device, err := s.current()
	if err != nil {
		return nil, err
	}

	path := publicKeyPath
	if path == "" {
		if device.KeyPath == "" {
			return nil, ErrNoPublicKey
		}
		path = device.KeyPath + ".pub"
	}
	path = config.ExpandHome(path)

	line, pub, err := readPublicKey(path)
	if err != nil {
		return nil, err
	}

	result := &InstallKeyResult{KeyPath: path, Fingerprint: ssh.FingerprintSHA256(pub)}

	err = client.WithConn(ctx, func(conn sshutil.Conn) error {
		fsys := sshutil.NewSFTPFileSystem(sshutil.WithSFTPLogger(s.logger))
		if err := fsys.Connect(conn); err != nil {
			return err
		}
		defer func() { _ = fsys.Close() }()

		if err := fsys.MkdirAll(remoteSSHDir, 0o700); err != nil {
			return err
		}

		var existing []byte
		ok, err := fsys.Exists(remoteAuthorizedKeys)
		if err != nil {
			return err
		}
		if ok {
			if existing, err = fsys.ReadFile(remoteAuthorizedKeys); err != nil {
				return err
			}
		}

		if hasKey(existing, pub) {
			result.AlreadyPresent = true
			return nil
		}

		if len(existing) > 0 && !bytes.HasSuffix(existing, []byte("\n")) {
			line = append([]byte("\n"), line...)
		}
		return fsys.AppendFile(remoteAuthorizedKeys, line, 0o600)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("public key installed",
		slog.String("key", path),
		slog.String("fingerprint", result.Fingerprint),
		slog.Bool("already_present", result.AlreadyPresent),
	)
	return result, nil
}

// readPublicKey loads an authorized_keys style public key and returns the
// line to append.
func readPublicKey(path string) ([]byte, ssh.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, &sshutil.KeyError{Path: path, Err: err}
	}

	pub, comment, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return nil, nil, &sshutil.KeyError{Path: path, Err: fmt.Errorf("parsing public key: %w", err)}
	}

	line := strings.TrimSuffix(string(ssh.MarshalAuthorizedKey(pub)), "\n")
	if comment != "" {
		line += " " + comment
	}
	return []byte(line + "\n"), pub, nil
}

// hasKey reports whether authorized_keys content already lists pub.
func hasKey(authorizedKeys []byte, pub ssh.PublicKey) bool {
	want := pub.Marshal()
	rest := authorizedKeys
	for len(rest) > 0 {
		key, _, _, next, err := ssh.ParseAuthorizedKey(rest)
		if err != nil {
			return false
		}
		if bytes.Equal(key.Marshal(), want) {
			return true
		}
		rest = next
	}
	return false
}

// RenderInstallKey formats a successful InstallKey.
func RenderInstallKey(r *InstallKeyResult) string {
	if r.AlreadyPresent {
		return fmt.Sprintf("✓ Key %s (%s) is already in ~/%s", r.KeyPath, r.Fingerprint, remoteAuthorizedKeys)
	}
	return fmt.Sprintf("✓ Installed %s (%s) into ~/%s\n\nKey authentication will be tried first on the next connection.",
		r.KeyPath, r.Fingerprint, remoteAuthorizedKeys)
}
