package channel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"kernelbridge/internal/contracts"
	"kernelbridge/internal/document"
	"kernelbridge/internal/kernel"
	"kernelbridge/internal/logging"
)

// TokenPlaceholder in a scripted reply token is replaced by the command token.
const TokenPlaceholder = "{token}"

// Reply is one event a scripted kernel emits in answer to a command.
type Reply struct {
	EventType string `yaml:"eventType" json:"eventType"`
	// Token defaults to the command token. It may embed TokenPlaceholder,
	// e.g. "{token}.1" for a child command.
	Token string `yaml:"token,omitempty" json:"token,omitempty"`
	Event any    `yaml:"event,omitempty" json:"event,omitempty"`
}

// Response is the scripted behavior for one command.
type Response struct {
	// Error makes Submit fail with this message; Replies are not emitted.
	Error   string  `yaml:"error,omitempty"`
	Replies []Reply `yaml:"replies"`
}

// Cell is a code cell of a replay script.
type Cell struct {
	ID   string `yaml:"id"`
	Code string `yaml:"code"`
}

// Script is a replay session: the cells to execute and how the kernel
// answers. Responses are keyed by command type, with "#n" appended for the
// n-th occurrence after the first ("SubmitCode", "SubmitCode#2", ...).
// Unlisted commands get no reply.
type Script struct {
	Document  string              `yaml:"document"`
	Kernel    string              `yaml:"kernel"`
	Cells     []Cell              `yaml:"cells"`
	Responses map[string]Response `yaml:"responses"`
}

// LoadScript reads a replay script from a YAML file.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse script %s: %w", path, err)
	}
	if s.Document == "" {
		s.Document = path
	}
	return &s, nil
}

// Scripted is an in-memory kernel that answers commands from a Script.
// Replies are emitted synchronously from Submit, before it returns, unless
// Async is set.
type Scripted struct {
	// Async emits replies from a goroutine after Submit returns.
	Async bool
	// OnSubmit, if set, runs before the scripted response. A non-nil error
	// fails Submit.
	OnSubmit func(cmd contracts.KernelCommandEnvelope) error

	mu        sync.Mutex
	responses map[string]Response
	counts    map[string]int
	submitted []contracts.KernelCommandEnvelope
	closed    bool
	failed    error
	handlers  handlers
	wg        sync.WaitGroup

	stop sync.Once
	done chan struct{}
}

// NewScripted creates a scripted kernel. responses may be nil.
func NewScripted(responses map[string]Response) *Scripted {
	if responses == nil {
		responses = make(map[string]Response)
	}
	return &Scripted{responses: responses, counts: make(map[string]int), done: make(chan struct{})}
}

// ScriptedFactory returns a factory that gives every document its own
// Scripted kernel running script.
func ScriptedFactory(script *Script) kernel.ChannelFactory {
	return func(ctx context.Context, id document.Identity) (kernel.Channel, error) {
		logging.Channel("scripted kernel for %s", id)
		return NewScripted(script.Responses), nil
	}
}

// Submit records cmd and emits the scripted replies.
func (s *Scripted) Submit(ctx context.Context, cmd contracts.KernelCommandEnvelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.failed != nil {
		s.mu.Unlock()
		return s.failed
	}
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.submitted = append(s.submitted, cmd)
	s.counts[cmd.CommandType]++
	key := cmd.CommandType
	if n := s.counts[cmd.CommandType]; n > 1 {
		key = fmt.Sprintf("%s#%d", cmd.CommandType, n)
	}
	resp, ok := s.responses[key]
	onSubmit := s.OnSubmit
	s.mu.Unlock()

	if onSubmit != nil {
		if err := onSubmit(cmd); err != nil {
			return err
		}
	}
	if !ok {
		return nil
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}

	events := make([]contracts.KernelEventEnvelope, 0, len(resp.Replies))
	for _, r := range resp.Replies {
		token := cmd.Token
		if r.Token != "" {
			token = strings.ReplaceAll(r.Token, TokenPlaceholder, cmd.Token)
		}
		ev, err := contracts.NewEvent(r.EventType, normalize(r.Event), token)
		if err != nil {
			return err
		}
		events = append(events, ev)
	}

	if !s.Async {
		s.emitAll(events)
		return nil
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.emitAll(events)
	}()
	return nil
}

// Emit delivers ev to the handlers as if the kernel had sent it.
func (s *Scripted) Emit(ev contracts.KernelEventEnvelope) {
	s.handlers.dispatch(ev)
}

func (s *Scripted) emitAll(events []contracts.KernelEventEnvelope) {
	for _, ev := range events {
		s.handlers.dispatch(ev)
	}
}

// OnEvent registers an event handler.
func (s *Scripted) OnEvent(handler func(contracts.KernelEventEnvelope)) func() {
	return s.handlers.add(handler)
}

// Submitted returns the commands received so far.
func (s *Scripted) Submitted() []contracts.KernelCommandEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]contracts.KernelCommandEnvelope(nil), s.submitted...)
}

// Closed reports whether Close was called.
func (s *Scripted) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Fail simulates the kernel going away with err: later commands are
// rejected with err and Done is closed.
func (s *Scripted) Fail(err error) {
	s.mu.Lock()
	if s.failed == nil && !s.closed {
		s.failed = err
	}
	s.mu.Unlock()
	s.stop.Do(func() { close(s.done) })
}

// Done is closed by Close or Fail.
func (s *Scripted) Done() <-chan struct{} { return s.done }

// Err returns the error passed to Fail.
func (s *Scripted) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// Close stops accepting commands and waits for async replies.
func (s *Scripted) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
	s.stop.Do(func() { close(s.done) })
	return nil
}

// normalize converts YAML-decoded maps into JSON-encodable ones.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	default:
		return v
	}
}
