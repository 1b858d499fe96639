// Package kernel correlates commands sent to an interactive kernel with the
// events it streams back, and settles each submission exactly once.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"kernelbridge/internal/contracts"
	"kernelbridge/internal/diagnostics"
	"kernelbridge/internal/logging"
	"kernelbridge/internal/output"
	"kernelbridge/internal/router"
)

// ClientConfig tunes a Client.
type ClientConfig struct {
	// DefaultTimeout bounds a submission when ExecuteOptions.Timeout is zero.
	// Zero waits until a terminal event or connection close.
	DefaultTimeout time.Duration

	// DeferredPrefix identifies kernel-originated notification tokens.
	DeferredPrefix string

	// Tombstones bounds how many settled tokens are remembered.
	Tombstones int

	// DiagnosticsDelay is the debounce delay of ScheduleDiagnostics.
	DiagnosticsDelay time.Duration
}

// DefaultClientConfig returns the defaults used when no config file is present.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		DeferredPrefix:   contracts.DefaultDeferredPrefix,
		Tombstones:       router.DefaultTombstones,
		DiagnosticsDelay: 500 * time.Millisecond,
	}
}

// ExecuteOptions are per-submission settings.
type ExecuteOptions struct {
	// Token correlates the submission. Empty mints a fresh token. A token
	// that is already pending is rejected.
	Token string

	// ID is the host cell id; executing cancels diagnostics scheduled under it.
	ID string

	// Timeout overrides ClientConfig.DefaultTimeout. Negative disables it.
	Timeout time.Duration
}

// DiagnosticsObserver receives diagnostics reported for a submission.
type DiagnosticsObserver func([]contracts.Diagnostic)

// Client is one live kernel connection: a channel, the router in front of
// it, and the table of pending submissions.
type Client struct {
	channel     Channel
	router      *router.Router
	debouncer   *diagnostics.Debouncer
	unsubscribe func()
	config      ClientConfig

	tokenBase string
	seq       atomic.Uint64

	mu      sync.Mutex
	pending map[string]*submission
	closed  bool
	dead    error // why the channel stopped on its own

	stop  chan struct{}
	watch sync.WaitGroup
}

// NewClient wraps a channel. The client starts receiving events immediately.
func NewClient(ch Channel, cfg ClientConfig) *Client {
	if cfg.DeferredPrefix == "" {
		cfg.DeferredPrefix = contracts.DefaultDeferredPrefix
	}
	c := &Client{
		channel: ch,
		router: router.New(
			router.WithDeferredPrefix(cfg.DeferredPrefix),
			router.WithTombstones(cfg.Tombstones),
		),
		debouncer: diagnostics.NewDebouncer(),
		config:    cfg,
		tokenBase: uuid.NewString(),
		pending:   make(map[string]*submission),
		stop:      make(chan struct{}),
	}
	c.unsubscribe = ch.OnEvent(c.router.Dispatch)
	c.watch.Add(1)
	go c.watchChannel()
	logging.Kernel("client %s attached to channel", c.tokenBase)
	return c
}

// NextToken mints a token unique among this client's submissions.
func (c *Client) NextToken() string {
	return fmt.Sprintf("%s/%d", c.tokenBase, c.seq.Add(1))
}

// Pending returns the number of unsettled submissions.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Execute submits code and blocks until the submission settles. onOutputs
// receives the full output list after every change, including deferred
// outputs that arrive while this submission is pending. The returned entries
// are the final output list; on failure they end with the error entry.
func (c *Client) Execute(ctx context.Context, code, targetKernelName string, onOutputs output.Observer, onDiagnostics DiagnosticsObserver, opts ExecuteOptions) ([]output.Entry, error) {
	if opts.ID != "" {
		c.debouncer.Cancel(opts.ID)
	}
	cmd := contracts.KernelCommandEnvelope{
		CommandType: contracts.SubmitCodeType,
		Command:     contracts.SubmitCode{Code: code, TargetKernelName: targetKernelName},
	}
	projector := output.NewProjector(onOutputs)
	s, err := c.send(ctx, cmd, opts, projector, onDiagnostics, true)
	if err != nil {
		if !rejected(err) {
			return nil, err
		}
		projector.OnCommandFailed("Error", err.Error())
		return projector.Entries(), err
	}
	_, err = s.state()
	return s.projector.Entries(), err
}

// rejected reports whether err means the connection could not take the
// submission at all, as opposed to a caller error such as a reused token.
func rejected(err error) bool {
	var se *SubmissionError
	return errors.Is(err, ErrConnectionClosed) || errors.As(err, &se)
}

// Diagnose asks the kernel for diagnostics without running code.
func (c *Client) Diagnose(ctx context.Context, code, targetKernelName string, opts ExecuteOptions) ([]contracts.Diagnostic, error) {
	var (
		mu    sync.Mutex
		diags []contracts.Diagnostic
	)
	collect := func(d []contracts.Diagnostic) {
		mu.Lock()
		defer mu.Unlock()
		diags = append(diags, d...)
	}
	cmd := contracts.KernelCommandEnvelope{
		CommandType: contracts.RequestDiagnosticsType,
		Command:     contracts.RequestDiagnostics{Code: code, TargetKernelName: targetKernelName},
	}
	s, err := c.send(ctx, cmd, opts, output.NewProjector(nil), collect, false)
	if err != nil {
		return nil, err
	}
	_, err = s.state()
	mu.Lock()
	defer mu.Unlock()
	return diags, err
}

// ScheduleDiagnostics debounces fn under the host cell id. Executing the same
// id cancels it.
func (c *Client) ScheduleDiagnostics(id string, fn func()) {
	c.debouncer.Debounce(id, c.config.DiagnosticsDelay, fn)
}

// DiagnosticsPending reports whether a diagnostics callback is scheduled for id.
func (c *Client) DiagnosticsPending(id string) bool {
	return c.debouncer.Pending(id)
}

// send registers a submission, submits cmd and waits for settlement.
// Returned errors are registration errors; settlement errors are
// reported by s.state().
func (c *Client) send(ctx context.Context, cmd contracts.KernelCommandEnvelope, opts ExecuteOptions, projector *output.Projector, onDiagnostics DiagnosticsObserver, deferred bool) (*submission, error) {
	token := opts.Token
	if token == "" {
		token = c.NextToken()
	}
	cmd.Token = token

	s := newSubmission(token, projector, onDiagnostics)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	if c.dead != nil {
		err := &SubmissionError{Token: token, Err: c.dead}
		c.mu.Unlock()
		return nil, err
	}
	if _, ok := c.pending[token]; ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("submit %q: %w", token, router.ErrTokenInUse)
	}
	c.pending[token] = s
	c.mu.Unlock()

	if deferred {
		s.unsubscribeDeferred = c.router.Subscribe(func(ev contracts.KernelEventEnvelope) {
			c.handleDeferred(s, ev)
		})
	}
	if err := c.router.Register(token, func(ev contracts.KernelEventEnvelope) {
		c.handle(s, ev)
	}); err != nil {
		s.unsubscribeDeferred()
		c.mu.Lock()
		if c.pending[token] == s {
			delete(c.pending, token)
		}
		c.mu.Unlock()
		return nil, err
	}

	c.mu.Lock()
	closed, dead := c.closed, c.dead
	c.mu.Unlock()
	switch {
	case closed:
		c.fail(s, ErrConnectionClosed)
		return s, nil
	case dead != nil:
		c.fail(s, &SubmissionError{Token: token, Err: dead})
		return s, nil
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = c.config.DefaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	s.log.Debug("submitting %s", cmd.CommandType)
	timer := logging.StartTimer(logging.CategoryKernel, "submission "+token)
	defer timer.Stop()

	if err := c.channel.Submit(ctx, cmd); err != nil {
		s.log.Warn("submit failed: %v", err)
		c.fail(s, &SubmissionError{Token: token, Err: err})
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		c.fail(s, fmt.Errorf("submission %s abandoned: %w", token, ctx.Err()))
		<-s.done
	}
	return s, nil
}

// handle processes an event correlated to s (its own token or a sub-token).
func (c *Client) handle(s *submission, ev contracts.KernelEventEnvelope) {
	switch {
	case contracts.IsValueProduced(ev.EventType):
		d, err := ev.DecodeDisplay()
		if err != nil {
			s.log.Warn("%v", err)
			return
		}
		s.projector.OnValueProduced(d)

	case ev.EventType == contracts.DisplayedValueUpdatedType:
		d, err := ev.DecodeDisplay()
		if err != nil {
			s.log.Warn("%v", err)
			return
		}
		s.projector.OnValueUpdated(d)

	case ev.EventType == contracts.DiagnosticsProducedType:
		d, err := ev.DecodeDiagnostics()
		if err != nil {
			s.log.Warn("%v", err)
			return
		}
		if s.onDiagnostics != nil {
			s.onDiagnostics(d.Diagnostics)
		}

	case ev.EventType == contracts.CommandSucceededType:
		if ev.Token != s.token {
			s.log.Debug("child command %s succeeded", ev.Token)
			return
		}
		if c.router.Unregister(s.token) {
			c.finish(s, Succeeded, nil)
		}

	case ev.EventType == contracts.CommandFailedType:
		if ev.Token != s.token {
			s.log.Debug("child command %s failed", ev.Token)
			return
		}
		f, err := ev.DecodeFailure()
		if err != nil {
			s.log.Warn("%v", err)
		}
		c.fail(s, &CommandFailedError{Token: s.token, Message: f.Message})

	case ev.EventType == contracts.CodeSubmissionReceivedType,
		ev.EventType == contracts.CompleteCodeSubmissionReceivedType:
		s.log.Debug("%s", ev.EventType)

	default:
		s.log.Debug("ignoring %s", ev.EventType)
	}
}

// handleDeferred projects a deferred display event onto the pending
// submission s.
func (c *Client) handleDeferred(s *submission, ev contracts.KernelEventEnvelope) {
	switch {
	case contracts.IsValueProduced(ev.EventType):
		d, err := ev.DecodeDisplay()
		if err != nil {
			s.log.Warn("deferred: %v", err)
			return
		}
		s.projector.OnValueProduced(d)
	case ev.EventType == contracts.DisplayedValueUpdatedType:
		d, err := ev.DecodeDisplay()
		if err != nil {
			s.log.Warn("deferred: %v", err)
			return
		}
		s.projector.OnValueUpdated(d)
	default:
		s.log.Debug("ignoring deferred %s from %q", ev.EventType, ev.Token)
	}
}

// fail settles s as failed, recording the error entry first. It is a no-op
// if s already settled.
func (c *Client) fail(s *submission, err error) {
	if !c.router.Unregister(s.token) {
		return
	}
	s.projector.OnCommandFailed("Error", err.Error())
	c.finish(s, Failed, err)
}

func (c *Client) finish(s *submission, outcome Outcome, err error) {
	s.unsubscribeDeferred()
	c.mu.Lock()
	if c.pending[s.token] == s {
		delete(c.pending, s.token)
	}
	c.mu.Unlock()
	if s.settle(outcome, err) {
		s.log.Debug("settled %s", outcome)
	}
}

// Close fails every pending submission with ErrConnectionClosed and closes
// the channel.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stop)
	pending := c.pendingLocked()
	c.mu.Unlock()

	c.unsubscribe()
	for _, s := range pending {
		c.fail(s, ErrConnectionClosed)
	}
	c.debouncer.Stop()
	logging.Kernel("client %s closed with %d pending submissions", c.tokenBase, len(pending))
	err := c.channel.Close()
	c.watch.Wait()
	return err
}

// watchChannel fails every pending submission when the channel stops on its
// own, and marks the connection dead so later submissions are rejected.
func (c *Client) watchChannel() {
	defer c.watch.Done()
	select {
	case <-c.stop:
		return
	case <-c.channel.Done():
	}

	err := c.channel.Err()
	if err == nil {
		err = ErrConnectionClosed
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.dead = err
	pending := c.pendingLocked()
	c.mu.Unlock()

	logging.Get(logging.CategoryKernel).Warn("client %s lost its channel with %d pending submissions: %v", c.tokenBase, len(pending), err)
	for _, s := range pending {
		c.fail(s, &SubmissionError{Token: s.token, Err: err})
	}
}

func (c *Client) pendingLocked() []*submission {
	pending := make([]*submission, 0, len(c.pending))
	for _, s := range c.pending {
		pending = append(pending, s)
	}
	return pending
}
