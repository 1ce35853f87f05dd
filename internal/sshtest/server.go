// Package sshtest provides an in-process SSH server for tests.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Reply describes how the server answers one exec request.
type Reply struct {
	Stdout string
	Stderr string
	Exit   int

	// Raw is written to stdout verbatim after Stdout.
	Raw []byte

	// NoExitStatus suppresses the exit-status request.
	NoExitStatus bool

	// ExitBeforeOutput sends the exit status before any output.
	ExitBeforeOutput bool

	// Delay postpones the reply.
	Delay time.Duration
}

// Handler answers exec requests.
type Handler func(command string) Reply

// Server is an SSH server listening on a loopback port.
type Server struct {
	Host string
	Port int

	// HostKey is the server's public host key.
	HostKey ssh.PublicKey

	listener net.Listener
	config   *ssh.ServerConfig
	handler  Handler
	sftpRoot string

	mu       sync.Mutex
	conns    []net.Conn
	commands []string

	accepted atomic.Int32
	closed   chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithPassword accepts password authentication with password.
func WithPassword(password string) Option {
	return func(s *Server) {
		s.config.PasswordCallback = func(_ ssh.ConnMetadata, given []byte) (*ssh.Permissions, error) {
			if string(given) == password {
				return nil, nil
			}
			return nil, errors.New("wrong password")
		}
	}
}

// WithAuthorizedKey accepts public key authentication with key.
func WithAuthorizedKey(key ssh.PublicKey) Option {
	return func(s *Server) {
		want := key.Marshal()
		s.config.PublicKeyCallback = func(_ ssh.ConnMetadata, given ssh.PublicKey) (*ssh.Permissions, error) {
			if string(given.Marshal()) == string(want) {
				return nil, nil
			}
			return nil, errors.New("unknown key")
		}
	}
}

// WithHandler sets the exec handler. The default echoes nothing and exits 0.
func WithHandler(h Handler) Option {
	return func(s *Server) {
		s.handler = h
	}
}

// WithSFTP serves the sftp subsystem rooted at dir.
func WithSFTP(dir string) Option {
	return func(s *Server) {
		s.sftpRoot = dir
	}
}

// NewServer starts a server and registers its shutdown with t.Cleanup.
func NewServer(t testing.TB, opts ...Option) *Server {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("creating host signer: %v", err)
	}

	s := &Server{
		config:  &ssh.ServerConfig{},
		handler: func(string) Reply { return Reply{} },
		closed:  make(chan struct{}),
		HostKey: hostSigner.PublicKey(),
	}
	s.config.AddHostKey(hostSigner)

	for _, opt := range opts {
		opt(s)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	s.listener = ln
	addr := ln.Addr().(*net.TCPAddr)
	s.Host = addr.IP.String()
	s.Port = addr.Port

	s.wg.Add(1)
	go s.serve()

	t.Cleanup(s.Close)
	return s
}

// Close stops the server and drops every connection.
func (s *Server) Close() {
	select {
	case <-s.closed:
		return
	default:
	}
	close(s.closed)
	_ = s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
}

// DropConnections closes every accepted transport connection.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// Accepted returns the number of TCP connections accepted so far.
func (s *Server) Accepted() int {
	return int(s.accepted.Load())
}

// Commands returns every command received, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.accepted.Add(1)
		s.mu.Lock()
		s.conns = append(s.conns, nc)
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(nc)
	}
}

func (s *Server) handleConn(nc net.Conn) {
	defer s.wg.Done()

	_, chans, reqs, err := ssh.NewServerConn(nc, s.config)
	if err != nil {
		_ = nc.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, chReqs)
	}
}

func (s *Server) handleSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "exec":
			var msg struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			s.mu.Lock()
			s.commands = append(s.commands, msg.Command)
			s.mu.Unlock()
			go s.runExec(ch, msg.Command)
		case "subsystem":
			var msg struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &msg); err != nil || msg.Name != "sftp" || s.sftpRoot == "" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go s.runSFTP(ch)
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *Server) runExec(ch ssh.Channel, command string) {
	defer func() { _ = ch.Close() }()

	r := s.handler(command)
	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-s.closed:
			return
		}
	}

	sendExit := func() {
		if !r.NoExitStatus {
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(r.Exit)}))
		}
	}

	if r.ExitBeforeOutput {
		sendExit()
	}
	_, _ = io.WriteString(ch, r.Stdout)
	_, _ = ch.Write(r.Raw)
	_, _ = io.WriteString(ch.Stderr(), r.Stderr)
	if !r.ExitBeforeOutput {
		sendExit()
	}
	_ = ch.CloseWrite()
}

func (s *Server) runSFTP(ch ssh.Channel) {
	defer func() { _ = ch.Close() }()

	srv, err := sftp.NewServer(ch, sftp.WithServerWorkingDirectory(s.sftpRoot))
	if err != nil {
		return
	}
	_ = srv.Serve()
}

// WriteKey generates an ed25519 key pair in dir and returns the private key
// path and the public key.
func WriteKey(t testing.TB, dir string) (string, ssh.PublicKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshaling key: %v", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("converting public key: %v", err)
	}

	path := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("writing key: %v", err)
	}
	if err := os.WriteFile(path+".pub", ssh.MarshalAuthorizedKey(sshPub), 0o644); err != nil {
		t.Fatalf("writing public key: %v", err)
	}

	return path, sshPub
}

// Echo is a handler that replies to "echo ARGS" with ARGS and exits 0, and to
// "exit N" with status N. true and false exit 0 and 1. Anything else prints
// to stderr and exits 127.
func Echo(command string) Reply {
	fields := strings.Fields(command)
	switch {
	case len(fields) > 0 && fields[0] == "echo":
		return Reply{Stdout: strings.Join(fields[1:], " ") + "\n"}
	case len(fields) == 1 && fields[0] == "true":
		return Reply{}
	case len(fields) == 1 && fields[0] == "false":
		return Reply{Exit: 1}
	case len(fields) == 2 && fields[0] == "exit":
		code, err := strconv.Atoi(fields[1])
		if err != nil {
			return Reply{Stderr: "exit: bad number\n", Exit: 2}
		}
		return Reply{Exit: code}
	default:
		return Reply{Stderr: "sh: " + command + ": not found\n", Exit: 127}
	}
}
