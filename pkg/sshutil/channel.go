package sshutil

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
)

// EventKind identifies a piece of traffic received on an exec channel.
type EventKind int

// Channel event kinds.
const (
	EventOther EventKind = iota
	EventStdout
	EventStderr
	EventExitStatus
	EventEOF
)

// Event is one unit of channel traffic.
type Event struct {
	Kind       EventKind
	Data       []byte
	ExitStatus int
	// Name is the request type for EventOther.
	Name string
}

const readBufferSize = 32 * 1024

// channelEvents turns an open exec channel into an event stream. EventEOF is
// sent once both stdout and stderr are exhausted. The stream is closed when
// the channel's request stream ends, or abandoned once done is closed.
func channelEvents(ch ssh.Channel, reqs <-chan *ssh.Request, done <-chan struct{}) <-chan Event {
	events := make(chan Event, 16)

	send := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-done:
			return false
		}
	}

	var streams, all sync.WaitGroup
	streams.Add(2)
	all.Add(2)

	go pump(ch, EventStdout, send, &streams)
	go pump(ch.Stderr(), EventStderr, send, &streams)

	go func() {
		defer all.Done()
		streams.Wait()
		send(Event{Kind: EventEOF})
	}()

	go func() {
		defer all.Done()
		for req := range reqs {
			ev := requestEvent(req)
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			if !send(ev) {
				go ssh.DiscardRequests(reqs)
				return
			}
		}
	}()

	go func() {
		all.Wait()
		close(events)
	}()

	return events
}

func pump(r io.Reader, kind EventKind, send func(Event) bool, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !send(Event{Kind: kind, Data: data}) {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func requestEvent(req *ssh.Request) Event {
	if req.Type == "exit-status" {
		var msg struct {
			Status uint32
		}
		if err := ssh.Unmarshal(req.Payload, &msg); err == nil {
			return Event{Kind: EventExitStatus, ExitStatus: int(int32(msg.Status))}
		}
	}
	return Event{Kind: EventOther, Name: req.Type}
}

// drain accumulates events until both the exit status and end of output have
// been seen, or the stream ends. A missing exit status yields exit code 0.
// It returns ctx.Err() if ctx is done first.
func drain(ctx context.Context, events <-chan Event) (*CommandResult, error) {
	var (
		stdout, stderr    bytes.Buffer
		exitCode          int
		exitSeen, eofSeen bool
	)

loop:
	for !exitSeen || !eofSeen {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			switch ev.Kind {
			case EventStdout:
				stdout.Write(ev.Data)
			case EventStderr:
				stderr.Write(ev.Data)
			case EventExitStatus:
				exitCode = ev.ExitStatus
				exitSeen = true
			case EventEOF:
				eofSeen = true
			}
		}
	}

	return &CommandResult{
		ExitCode: exitCode,
		Stdout:   decodeOutput(stdout.Bytes()),
		Stderr:   decodeOutput(stderr.Bytes()),
	}, nil
}

// decodeOutput converts remote output to text, replacing invalid UTF-8.
func decodeOutput(b []byte) string {
	return strings.ToValidUTF8(string(b), "\uFFFD")
}
