// Package channel provides kernel transports: a subprocess speaking
// newline-delimited JSON over stdio, and a scripted in-memory kernel.
package channel

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"kernelbridge/internal/contracts"
	"kernelbridge/internal/document"
	"kernelbridge/internal/kernel"
	"kernelbridge/internal/logging"
)

// maxLineSize bounds a single event line. Rich outputs (images) can be large.
const maxLineSize = 16 * 1024 * 1024

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("channel closed")

// ErrKernelExited reports a kernel process that stopped without Close.
var ErrKernelExited = errors.New("kernel process exited")

// StdioOptions describe how to launch a kernel process.
type StdioOptions struct {
	Command string
	Args    []string
	// Env entries are appended to the current environment.
	Env []string
	// WorkingDirectory overrides the default, which is the document's directory.
	WorkingDirectory string
	// ShutdownTimeout bounds how long Close waits for the reader goroutines.
	ShutdownTimeout time.Duration
}

// Stdio is a kernel subprocess. Commands are written to its stdin and events
// are read from its stdout, one JSON object per line.
type Stdio struct {
	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	stderr   io.ReadCloser
	closed   bool
	timeout  time.Duration
	handlers handlers

	wg   sync.WaitGroup // stdout and stderr readers
	done chan struct{}
	err  error // set before done is closed
}

// StartStdio launches the kernel process and starts reading its events.
func StartStdio(ctx context.Context, opts StdioOptions) (*Stdio, error) {
	if opts.Command == "" {
		return nil, fmt.Errorf("empty kernel command")
	}

	// The process outlives the creating request; ctx only gates startup.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.WorkingDirectory
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	s := &Stdio{cmd: cmd, timeout: opts.ShutdownTimeout, done: make(chan struct{})}
	if s.timeout <= 0 {
		s.timeout = time.Second
	}

	var err error
	if s.stdin, err = cmd.StdinPipe(); err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	if s.stdout, err = cmd.StdoutPipe(); err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	if s.stderr, err = cmd.StderrPipe(); err != nil {
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start kernel %s: %w", opts.Command, err)
	}
	logging.Channel("kernel process %s started (pid %d, dir %q)", opts.Command, cmd.Process.Pid, cmd.Dir)

	s.wg.Add(2)
	go s.readStderr()
	go s.readStdout()
	go s.wait()
	return s, nil
}

// NewStdioFactory returns a factory that launches one kernel process per
// document, in the document's directory unless opts names one.
func NewStdioFactory(opts StdioOptions) kernel.ChannelFactory {
	return func(ctx context.Context, id document.Identity) (kernel.Channel, error) {
		o := opts
		if o.WorkingDirectory == "" {
			if p := id.Path(); p != "" {
				o.WorkingDirectory = filepath.Dir(p)
			}
		}
		return StartStdio(ctx, o)
	}
}

// Submit writes cmd as one line.
func (s *Stdio) Submit(ctx context.Context, cmd contracts.KernelCommandEnvelope) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", cmd.CommandType, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, err := s.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write to kernel stdin: %w", err)
	}
	return nil
}

// OnEvent registers an event handler.
func (s *Stdio) OnEvent(handler func(contracts.KernelEventEnvelope)) func() {
	return s.handlers.add(handler)
}

// Done is closed once the process has exited and its output is drained.
func (s *Stdio) Done() <-chan struct{} { return s.done }

// Err returns ErrKernelExited (wrapping the exit status) when the process
// stopped on its own, and nil otherwise.
func (s *Stdio) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close kills the process and waits briefly for the readers to drain.
func (s *Stdio) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	_ = s.stdin.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	s.mu.Unlock()

	select {
	case <-s.done:
	case <-time.After(s.timeout):
		logging.ChannelWarn("timeout waiting for kernel readers to exit")
	}
	logging.Channel("kernel process stopped")
	return nil
}

// wait reaps the process after both readers hit EOF.
func (s *Stdio) wait() {
	s.wg.Wait()
	waitErr := s.cmd.Wait()

	s.mu.Lock()
	closed := s.closed
	s.closed = true
	s.mu.Unlock()

	if !closed {
		if waitErr != nil {
			s.err = fmt.Errorf("%w: %v", ErrKernelExited, waitErr)
		} else {
			s.err = ErrKernelExited
		}
		logging.ChannelWarn("%v", s.err)
	}
	close(s.done)
}

func (s *Stdio) readStderr() {
	defer s.wg.Done()
	scanner := bufio.NewScanner(s.stderr)
	for scanner.Scan() {
		logging.Get(logging.CategoryChannel).Info("[STDERR] %s", scanner.Text())
	}
}

func (s *Stdio) readStdout() {
	defer s.wg.Done()
	scanner := bufio.NewScanner(s.stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev contracts.KernelEventEnvelope
		if err := json.Unmarshal(line, &ev); err != nil {
			logging.ChannelWarn("failed to parse kernel event: %v", err)
			continue
		}
		s.handlers.dispatch(ev)
	}

	if err := scanner.Err(); err != nil {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if !closed {
			logging.Get(logging.CategoryChannel).Error("error reading kernel stdout: %v", err)
		}
	}
}

// handlers is a registration list that preserves delivery order.
type handlers struct {
	mu   sync.Mutex
	next int
	list []handlerEntry
}

type handlerEntry struct {
	id int
	fn func(contracts.KernelEventEnvelope)
}

func (h *handlers) add(fn func(contracts.KernelEventEnvelope)) func() {
	h.mu.Lock()
	h.next++
	id := h.next
	h.list = append(h.list, handlerEntry{id: id, fn: fn})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			for i, e := range h.list {
				if e.id == id {
					h.list = append(h.list[:i:i], h.list[i+1:]...)
					return
				}
			}
		})
	}
}

func (h *handlers) dispatch(ev contracts.KernelEventEnvelope) {
	h.mu.Lock()
	list := append([]handlerEntry(nil), h.list...)
	h.mu.Unlock()
	for _, e := range list {
		e.fn(ev)
	}
}
