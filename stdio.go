package mcpwire

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// StdioConnector talks to a remote server over the standard input/output
// pipes of a child process it spawns and owns. Envelopes are newline
// delimited: one JSON message per line on stdin and stdout. Standard error is
// captured as diagnostic text and never parsed as protocol data.
//
// Process exit or a broken pipe surfaces as channel closure. Close terminates
// the process and reaps it; the connector cannot be reopened afterwards.
type StdioConnector struct {
	command string
	args    []string
	env     map[string]string
	logger  *slog.Logger

	cmd       *exec.Cmd
	cmdCancel context.CancelFunc
	stdin     io.WriteCloser
	stdout    io.ReadCloser

	writes   chan stdioFrame
	messages chan Envelope
	done     chan struct{}

	readClosed  chan struct{}
	writeClosed chan struct{}
	closeOnce   sync.Once

	errMu   sync.Mutex
	lastErr error

	stderrMu sync.Mutex
	stderr   strings.Builder
}

type stdioFrame struct {
	data []byte
	errs chan error
}

// StdioOption configures a StdioConnector.
type StdioOption func(*StdioConnector)

// WithStdioEnv sets additional environment variables for the child process,
// merged over the parent environment.
func WithStdioEnv(env map[string]string) StdioOption {
	return func(s *StdioConnector) {
		s.env = env
	}
}

// WithStdioLogger sets the logger for the connector.
func WithStdioLogger(logger *slog.Logger) StdioOption {
	return func(s *StdioConnector) {
		s.logger = logger
	}
}

// NewStdioConnector creates a connector that will spawn the given command
// when opened.
func NewStdioConnector(command string, args []string, options ...StdioOption) *StdioConnector {
	s := &StdioConnector{
		command:     command,
		args:        args,
		logger:      slog.Default(),
		writes:      make(chan stdioFrame),
		messages:    make(chan Envelope),
		done:        make(chan struct{}),
		readClosed:  make(chan struct{}),
		writeClosed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Open spawns the child process and starts the pipe loops. The caller's
// context bounds the spawn attempt only; once the channel is up, the child's
// lifetime belongs to Close.
func (s *StdioConnector) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &ConnectError{Endpoint: s.command, Err: err}
	}

	cmdCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	cmd := exec.CommandContext(cmdCtx, s.command, s.args...)
	if len(s.env) > 0 {
		env := os.Environ()
		for k, v := range s.env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return &ConnectError{Endpoint: s.command, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return &ConnectError{Endpoint: s.command, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return &ConnectError{Endpoint: s.command, Err: err}
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return &ConnectError{Endpoint: s.command, Err: err}
	}

	s.cmd = cmd
	s.cmdCancel = cancel
	s.stdin = stdin
	s.stdout = stdout

	go s.processWrites()
	go s.processReads()
	go s.captureStderr(stderr)

	select {
	case <-ctx.Done():
		_ = s.Close()
		return &ConnectError{Endpoint: s.command, Err: ctx.Err()}
	default:
	}
	return nil
}

// Send queues one envelope for writing to the child's stdin. It fails with
// SendError once the channel is closed.
func (s *StdioConnector) Send(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Newline terminates one envelope per the framing protocol.
	data = append(data, '\n')

	frame := stdioFrame{
		data: data,
		errs: make(chan error, 1),
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return &SendError{Err: errors.New("connector closed")}
	case s.writes <- frame:
	}

	select {
	case err := <-frame.errs:
		if err != nil {
			return &SendError{Err: err}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return &SendError{Err: errors.New("connector closed")}
	}
}

// Messages yields inbound envelopes until the child exits or the connector
// closes.
func (s *StdioConnector) Messages() iter.Seq[Envelope] {
	return func(yield func(Envelope) bool) {
		for msg := range s.messages {
			if !yield(msg) {
				return
			}
		}
	}
}

// Err returns the terminal channel error, such as an unexpected process exit.
func (s *StdioConnector) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.lastErr
}

// Stderr returns the diagnostic text the child wrote to its standard error so
// far.
func (s *StdioConnector) Stderr() string {
	s.stderrMu.Lock()
	defer s.stderrMu.Unlock()
	return s.stderr.String()
}

// Close terminates the child process and reaps it. Safe to call twice.
func (s *StdioConnector) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)

		if s.cmdCancel != nil {
			s.cmdCancel()
		}
		if s.stdin != nil {
			_ = s.stdin.Close()
		}
		if s.cmd != nil && s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
			// Reap the child so it does not linger as a zombie.
			_ = s.cmd.Wait()
		}

		if s.cmd != nil {
			<-s.readClosed
			<-s.writeClosed
		}
	})
	return nil
}

func (s *StdioConnector) processWrites() {
	defer close(s.writeClosed)

	for {
		var frame stdioFrame
		select {
		case <-s.done:
			return
		case frame = <-s.writes:
		}

		_, err := s.stdin.Write(frame.data)
		if err != nil {
			s.setErr(fmt.Errorf("broken pipe to child process: %w", err))
		}
		frame.errs <- err
	}
}

func (s *StdioConnector) processReads() {
	defer func() {
		close(s.readClosed)
		close(s.messages)
	}()

	// bufio.Reader instead of bufio.Scanner avoids max token size errors on
	// large envelopes.
	reader := bufio.NewReader(s.stdout)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			select {
			case <-s.done:
			default:
				if !errors.Is(err, io.EOF) {
					s.setErr(fmt.Errorf("failed to read from child process: %w", err))
				} else {
					s.setErr(errors.New("child process closed its stdout"))
				}
			}
			return
		}

		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			continue
		}

		var msg Envelope
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			s.logger.Error("failed to unmarshal message", "err", err)
			continue
		}

		select {
		case <-s.done:
			return
		case s.messages <- msg:
		}
	}
}

func (s *StdioConnector) captureStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.stderrMu.Lock()
		s.stderr.WriteString(scanner.Text())
		s.stderr.WriteByte('\n')
		s.stderrMu.Unlock()
	}
}

func (s *StdioConnector) setErr(err error) {
	s.errMu.Lock()
	if s.lastErr == nil {
		s.lastErr = err
	}
	s.errMu.Unlock()
}
