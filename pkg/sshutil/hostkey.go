package sshutil

import (
	"fmt"
	"log/slog"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// buildHostKeyCallback creates the host key callback based on config.
func buildHostKeyCallback(cfg *Config, logger *slog.Logger) (ssh.HostKeyCallback, error) {
	if cfg.StrictHostKeyChecking {
		if cfg.KnownHostsFile == "" {
			return nil, &ConfigError{Problems: []string{"strict host key checking requires a known_hosts file"}}
		}
		callback, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, &ConfigError{Problems: []string{fmt.Sprintf("loading known_hosts %s: %v", cfg.KnownHostsFile, err)}}
		}
		return callback, nil
	}

	logger.Debug("host key verification disabled",
		slog.String("host", cfg.Host),
	)
	return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // device on the local network, matches ssh-copy-id first-use flow
}
