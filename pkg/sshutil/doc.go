// Package sshutil runs commands on a single remote device over SSH.
//
// # Overview
//
// The package provides these components:
//
//   - [Config]: the immutable connection descriptor (host, port, user, credentials)
//   - [Authenticator]: performs the handshake, trying the key before the password
//   - [Client]: owns at most one session, reconnecting when it has closed
//   - [Executor]: runs one command per exec channel and collects its output
//   - [SFTPFileSystem]: file operations over the sftp subsystem
//
// # Basic Usage
//
//	config := &sshutil.Config{
//		Host:    "192.168.1.50",
//		User:    "u0_a123",
//		KeyFile: "/home/me/.ssh/id_ed25519",
//	}
//
//	client, err := sshutil.NewClient(config)
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	result, err := client.Execute(ctx, "uname -a", 30*time.Second)
//	if err != nil {
//		return err
//	}
//	fmt.Println(result.ExitCode, result.Stdout)
//
// The first Execute connects lazily. Connection establishment makes up to
// [MaxConnectAttempts] attempts with [RetryDelay] between them, except when
// authentication cannot succeed without a configuration change.
//
// # Errors
//
// Failures are typed: [*ConnectionError], [*AuthError], [*ExecError],
// [*TimeoutError], [*ConfigError] and [*KeyError]. [KindOf] maps any of them,
// including wrapped ones, to a [Kind].
//
// # Security Considerations
//
// Host key verification is off by default, matching the first-use flow of
// pairing with a phone on the local network. Set StrictHostKeyChecking and
// KnownHostsFile to verify the server key.
package sshutil
