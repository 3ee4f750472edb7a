package serial

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"klipper-probecal/pkg/log"
)

// MaxLineLength bounds one command line.
const MaxLineLength = 4096

// Host runs scripts and reports their output lines.
type Host interface {
	RunScript(ctx context.Context, script string) error
	Subscribe(fn func(line string)) func()
}

const (
	// sendBuffer bounds the response lines queued for one peer.
	sendBuffer = 256
	writeWait  = 10 * time.Second
)

// session answers one connection. Response lines are queued and written by
// writePump so a peer that stops reading never stalls the host.
type session struct {
	rw     io.ReadWriter
	host   Host
	logger *log.Logger
	out    chan string
	quit   chan struct{}
	wdone  chan struct{}
}

func newSession(rw io.ReadWriter, host Host) *session {
	return &session{
		rw:     rw,
		host:   host,
		logger: log.GetLogger("serial"),
		out:    make(chan string, sendBuffer),
		quit:   make(chan struct{}),
		wdone:  make(chan struct{}),
	}
}

// writeLine queues one response line without blocking. Output from other
// clients of the host is forwarded too, as a printer echoes everything on
// its console. Lines are dropped while the buffer is full.
func (s *session) writeLine(line string) {
	select {
	case <-s.wdone:
	case s.out <- line:
	default:
		s.logger.WithField("line", line).Warn("send buffer full, dropping response")
	}
}

// reply queues a line for this peer, waiting for buffer space.
func (s *session) reply(ctx context.Context, line string) {
	select {
	case s.out <- line:
	case <-s.wdone:
	case <-ctx.Done():
	}
}

func (s *session) write(line string) error {
	if c, ok := s.rw.(interface{ SetWriteDeadline(time.Time) error }); ok {
		_ = c.SetWriteDeadline(time.Now().Add(writeWait))
	}
	_, err := io.WriteString(s.rw, line+"\n")
	return err
}

// writePump writes queued lines until quit is closed, then flushes what is
// left in the queue.
func (s *session) writePump() {
	defer close(s.wdone)
	for {
		select {
		case line := <-s.out:
			if err := s.write(line); err != nil {
				s.logger.WithError(err).Debug("write response")
				return
			}
		case <-s.quit:
			for {
				select {
				case line := <-s.out:
					if s.write(line) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// retryReader hides read timeouts from the scanner until ctx ends.
type retryReader struct {
	ctx context.Context
	r   io.Reader
}

func (t retryReader) Read(p []byte) (int, error) {
	for {
		n, err := t.r.Read(p)
		if n > 0 || (err != nil && !errors.Is(err, ErrTimeout)) {
			return n, err
		}
		if cerr := t.ctx.Err(); cerr != nil {
			return 0, cerr
		}
	}
}

// Serve answers G-code lines read from rw until ctx ends or the peer goes
// away. Every non-empty line gets "ok" once it has run, after any "//" or
// "!!" response lines it produced. Pending input is flushed first when rw
// supports it.
func Serve(ctx context.Context, rw io.ReadWriter, host Host) error {
	s := newSession(rw, host)
	if f, ok := rw.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return err
		}
	}
	go s.writePump()
	unsubscribe := host.Subscribe(s.writeLine)
	defer func() {
		unsubscribe()
		close(s.quit)
		<-s.wdone
	}()

	done := make(chan struct{})
	defer close(done)
	if c, ok := rw.(io.Closer); ok {
		go func() {
			select {
			case <-ctx.Done():
				c.Close()
			case <-done:
			}
		}()
	}

	scanner := bufio.NewScanner(retryReader{ctx: ctx, r: rw})
	scanner.Buffer(make([]byte, 0, 256), MaxLineLength)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := host.RunScript(ctx, line); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.WithFields(log.Fields{"line": line}).WithError(err).Debug("command failed")
		}
		s.reply(ctx, "ok")
	}

	err := scanner.Err()
	switch {
	case err == nil, ctx.Err() != nil, errors.Is(err, io.EOF), errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed), errors.Is(err, ErrClosed):
		return nil
	case errors.Is(err, bufio.ErrTooLong):
		s.reply(ctx, "!! Line too long")
		return err
	}
	return err
}

// ServeListener serves every connection accepted on ln until ctx ends.
func ServeListener(ctx context.Context, ln net.Listener, host Host) error {
	logger := log.GetLogger("serial")
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		logger.WithField("remote", conn.RemoteAddr().String()).Info("console connection opened")
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conn.Close()
			if err := Serve(ctx, conn, host); err != nil {
				logger.WithError(err).Warn("console connection ended")
			}
		}()
	}
}
