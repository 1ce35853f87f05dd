package sshutil

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// FileSystem defines the remote file operations used to manage the device.
type FileSystem interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte, perm os.FileMode) error
	Stat(path string) (os.FileInfo, error)
	MkdirAll(path string, perm os.FileMode) error
}

// SFTPFileSystem implements FileSystem over an SFTP subsystem channel.
// Relative paths resolve against the remote user's home directory.
type SFTPFileSystem struct {
	logger *slog.Logger

	mu         sync.RWMutex
	sftpClient *sftp.Client
}

// SFTPOption is a functional option for configuring the SFTPFileSystem.
type SFTPOption func(*SFTPFileSystem)

// WithSFTPLogger sets a custom logger for SFTP operations.
func WithSFTPLogger(logger *slog.Logger) SFTPOption {
	return func(fs *SFTPFileSystem) {
		if logger != nil {
			fs.logger = logger
		}
	}
}

// NewSFTPFileSystem creates a new SFTP-based FileSystem.
// Connect must be called before use.
func NewSFTPFileSystem(opts ...SFTPOption) *SFTPFileSystem {
	fs := &SFTPFileSystem{
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(fs)
	}

	return fs
}

type subsystemMsg struct {
	Name string
}

// Connect starts the sftp subsystem on a new channel of conn.
func (fs *SFTPFileSystem) Connect(conn Conn) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.sftpClient != nil {
		return nil
	}
	if conn == nil {
		return ErrNotConnected
	}

	fs.logger.Debug("establishing SFTP session")

	ch, reqs, err := conn.OpenChannel("session", nil)
	if err != nil {
		return fmt.Errorf("opening SFTP channel: %w", err)
	}
	go ssh.DiscardRequests(reqs)

	ok, err := ch.SendRequest("subsystem", true, ssh.Marshal(subsystemMsg{Name: "sftp"}))
	if err == nil && !ok {
		err = errors.New("sftp subsystem request rejected")
	}
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("starting SFTP subsystem: %w", err)
	}

	sftpClient, err := sftp.NewClientPipe(ch, ch)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("creating SFTP client: %w", err)
	}

	fs.sftpClient = sftpClient
	fs.logger.Debug("SFTP session established")

	return nil
}

// Close closes the SFTP session.
// Safe to call multiple times. Does not close the underlying SSH connection.
func (fs *SFTPFileSystem) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.sftpClient == nil {
		return nil
	}

	err := fs.sftpClient.Close()
	fs.sftpClient = nil

	fs.logger.Debug("SFTP session closed")

	return err
}

// getSFTP returns the SFTP client, ensuring it's connected.
func (fs *SFTPFileSystem) getSFTP() (*sftp.Client, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if fs.sftpClient == nil {
		return nil, ErrNotConnected
	}

	return fs.sftpClient, nil
}

// ReadFile reads the contents of a file from the remote system.
func (fs *SFTPFileSystem) ReadFile(name string) ([]byte, error) {
	sftpClient, err := fs.getSFTP()
	if err != nil {
		return nil, err
	}

	file, err := sftpClient.Open(name)
	if err != nil {
		return nil, fmt.Errorf("opening file %s: %w", name, err)
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("reading file %s: %w", name, err)
	}

	fs.logger.Debug("file read",
		slog.String("path", name),
		slog.Int("bytes", len(data)),
	)

	return data, nil
}

// WriteFile replaces the contents of a file on the remote system.
func (fs *SFTPFileSystem) WriteFile(name string, data []byte, perm os.FileMode) error {
	return fs.write(name, data, perm, false)
}

// AppendFile appends data to a file on the remote system, creating it with
// perm if needed.
func (fs *SFTPFileSystem) AppendFile(name string, data []byte, perm os.FileMode) error {
	return fs.write(name, data, perm, true)
}

// write seeks to the end for appends instead of opening with O_APPEND, which
// servers backed by positional writes reject.
func (fs *SFTPFileSystem) write(name string, data []byte, perm os.FileMode, appendData bool) error {
	sftpClient, err := fs.getSFTP()
	if err != nil {
		return err
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if appendData {
		flags = os.O_WRONLY | os.O_CREATE
	}

	file, err := sftpClient.OpenFile(name, flags)
	if err != nil {
		return fmt.Errorf("opening file %s for write: %w", name, err)
	}
	defer func() { _ = file.Close() }()

	if appendData {
		if _, err := file.Seek(0, io.SeekEnd); err != nil {
			return fmt.Errorf("seeking to end of %s: %w", name, err)
		}
	}

	n, err := file.Write(data)
	if err != nil {
		return fmt.Errorf("writing to file %s: %w", name, err)
	}
	if n != len(data) {
		return fmt.Errorf("short write to file %s: wrote %d of %d bytes", name, n, len(data))
	}

	// sshd ignores authorized_keys files with loose permissions.
	if err := sftpClient.Chmod(name, perm); err != nil {
		return fmt.Errorf("chmod %s: %w", name, err)
	}

	fs.logger.Debug("file written",
		slog.String("path", name),
		slog.Int("bytes", n),
		slog.String("perm", perm.String()),
	)

	return nil
}

// Stat returns file info for a path on the remote system.
func (fs *SFTPFileSystem) Stat(name string) (os.FileInfo, error) {
	sftpClient, err := fs.getSFTP()
	if err != nil {
		return nil, err
	}

	info, err := sftpClient.Stat(name)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", name, err)
	}

	return info, nil
}

// MkdirAll creates a directory and any missing parents, then sets perm on
// the leaf directory.
func (fs *SFTPFileSystem) MkdirAll(name string, perm os.FileMode) error {
	sftpClient, err := fs.getSFTP()
	if err != nil {
		return err
	}

	if err := sftpClient.MkdirAll(name); err != nil {
		return fmt.Errorf("creating directory %s: %w", name, err)
	}

	info, err := sftpClient.Stat(name)
	if err != nil {
		return fmt.Errorf("stat %s: %w", name, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path exists but is not a directory: %s", name)
	}

	if info.Mode().Perm() != perm {
		if err := sftpClient.Chmod(name, perm); err != nil {
			return fmt.Errorf("chmod %s: %w", name, err)
		}
	}

	return nil
}

// Exists checks if a path exists on the remote system.
func (fs *SFTPFileSystem) Exists(name string) (bool, error) {
	_, err := fs.Stat(name)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
