package channel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"kernelbridge/internal/contracts"
	"kernelbridge/internal/document"
	"kernelbridge/internal/kernel"
	"kernelbridge/internal/output"
)

const fakeKernelEnv = "KERNELBRIDGE_FAKE_KERNEL"

func TestMain(m *testing.M) {
	if os.Getenv(fakeKernelEnv) == "1" {
		runFakeKernel()
		os.Exit(0)
	}
	goleak.VerifyTestMain(m)
}

// runFakeKernel echoes submitted code back as a displayed value.
func runFakeKernel() {
	fmt.Fprintln(os.Stderr, "fake kernel ready")
	scanner := bufio.NewScanner(os.Stdin)
	out := json.NewEncoder(os.Stdout)
	for scanner.Scan() {
		var cmd struct {
			CommandType string `json:"commandType"`
			Command     struct {
				Code string `json:"code"`
			} `json:"command"`
			Token string `json:"token"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
			fmt.Fprintf(os.Stderr, "bad command: %v\n", err)
			continue
		}
		if cmd.Command.Code == "fail" {
			ev, _ := contracts.NewEvent(contracts.CommandFailedType, contracts.CommandFailed{Message: "requested failure"}, cmd.Token)
			_ = out.Encode(ev)
			continue
		}
		wd, _ := os.Getwd()
		events := []struct {
			eventType string
			payload   any
		}{
			{contracts.CodeSubmissionReceivedType, contracts.CodeSubmissionReceived{Code: cmd.Command.Code}},
			{contracts.DisplayedValueProducedType, contracts.DisplayEvent{
				FormattedValues: []contracts.FormattedValue{{MimeType: "text/plain", Value: cmd.Command.Code}},
			}},
			{contracts.DisplayedValueProducedType, contracts.DisplayEvent{
				FormattedValues: []contracts.FormattedValue{{MimeType: "text/x-cwd", Value: filepath.ToSlash(wd)}},
			}},
			{contracts.CommandSucceededType, contracts.CommandSucceeded{}},
		}
		for _, e := range events {
			ev, _ := contracts.NewEvent(e.eventType, e.payload, cmd.Token)
			_ = out.Encode(ev)
		}
	}
}

func fakeKernelOptions() StdioOptions {
	return StdioOptions{
		Command: os.Args[0],
		Env:     []string{fakeKernelEnv + "=1"},
	}
}

func TestStdio_RoundTrip(t *testing.T) {
	ch, err := StartStdio(context.Background(), fakeKernelOptions())
	require.NoError(t, err)

	c := kernel.NewClient(ch, kernel.DefaultClientConfig())
	defer c.Close()

	got, err := c.Execute(context.Background(), "hello", "csharp", nil, nil, kernel.ExecuteOptions{Timeout: 10 * time.Second})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, output.TextItem("text/plain", "hello"), got[0].Items[0])

	_, err = c.Execute(context.Background(), "fail", "csharp", nil, nil, kernel.ExecuteOptions{Timeout: 10 * time.Second})
	var failed *kernel.CommandFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "requested failure", failed.Message)
}

func TestStdio_FactoryUsesDocumentDirectory(t *testing.T) {
	dir := t.TempDir()
	dir, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	id := document.MustFromPath(filepath.Join(dir, "notebook.dib"))

	ch, err := NewStdioFactory(fakeKernelOptions())(context.Background(), id)
	require.NoError(t, err)
	c := kernel.NewClient(ch, kernel.DefaultClientConfig())
	defer c.Close()

	got, err := c.Execute(context.Background(), "pwd", "csharp", nil, nil, kernel.ExecuteOptions{Timeout: 10 * time.Second})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, filepath.ToSlash(dir), string(got[1].Items[0].Data))
}

func TestStdio_SubmitAfterClose(t *testing.T) {
	ch, err := StartStdio(context.Background(), fakeKernelOptions())
	require.NoError(t, err)
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	err = ch.Submit(context.Background(), contracts.KernelCommandEnvelope{CommandType: contracts.SubmitCodeType, Token: "t"})
	assert.ErrorIs(t, err, ErrClosed)

	select {
	case <-ch.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done not closed after Close")
	}
	assert.NoError(t, ch.Err())
}

func TestStdio_KernelExitFailsSubmissions(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	ch, err := StartStdio(context.Background(), StdioOptions{Command: sh, Args: []string{"-c", "read line; exit 3"}})
	require.NoError(t, err)
	c := kernel.NewClient(ch, kernel.DefaultClientConfig())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	got, err := c.Execute(ctx, "1+1", "csharp", nil, nil, kernel.ExecuteOptions{})
	require.ErrorIs(t, err, ErrKernelExited)
	assert.NoError(t, ctx.Err(), "submission must settle because the process exited, not the deadline")
	assert.Contains(t, err.Error(), "exit status 3")

	var submitErr *kernel.SubmissionError
	require.ErrorAs(t, err, &submitErr)
	require.Len(t, got, 1)
	data, ok := got[0].Items[0].DecodeError()
	require.True(t, ok)
	assert.Equal(t, err.Error(), data.Message)

	<-ch.Done()
	assert.ErrorIs(t, ch.Err(), ErrKernelExited)

	_, err = c.Execute(context.Background(), "2+2", "csharp", nil, nil, kernel.ExecuteOptions{})
	assert.ErrorIs(t, err, ErrKernelExited)
}

func TestScripted_Fail(t *testing.T) {
	s := NewScripted(nil)
	lost := fmt.Errorf("gone")
	s.Fail(lost)

	<-s.Done()
	assert.Equal(t, lost, s.Err())
	err := s.Submit(context.Background(), contracts.KernelCommandEnvelope{CommandType: contracts.SubmitCodeType, Token: "t"})
	assert.Equal(t, lost, err)
	require.NoError(t, s.Close())
	assert.Equal(t, lost, s.Err())
}

func TestStartStdio_Errors(t *testing.T) {
	_, err := StartStdio(context.Background(), StdioOptions{})
	assert.Error(t, err)

	_, err = StartStdio(context.Background(), StdioOptions{Command: filepath.Join(t.TempDir(), "no-such-kernel")})
	assert.Error(t, err)
}

func TestScripted_RepliesByOccurrence(t *testing.T) {
	s := NewScripted(map[string]Response{
		contracts.SubmitCodeType: {Replies: []Reply{
			{EventType: contracts.CommandSucceededType},
		}},
		contracts.SubmitCodeType + "#2": {Replies: []Reply{
			{EventType: contracts.DisplayedValueProducedType, Token: "{token}.child"},
			{EventType: contracts.CommandFailedType, Event: map[string]any{"message": "second"}},
		}},
		contracts.SubmitCodeType + "#3": {Error: "third"},
	})

	var (
		mu     sync.Mutex
		events []contracts.KernelEventEnvelope
	)
	unsubscribe := s.OnEvent(func(ev contracts.KernelEventEnvelope) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})

	submit := func(token string) error {
		return s.Submit(context.Background(), contracts.KernelCommandEnvelope{CommandType: contracts.SubmitCodeType, Token: token})
	}
	require.NoError(t, submit("a"))
	require.NoError(t, submit("b"))
	assert.EqualError(t, submit("c"), "third")
	require.NoError(t, submit("d"))

	require.Len(t, events, 3)
	assert.Equal(t, "a", events[0].Token)
	assert.Equal(t, "b.child", events[1].Token)
	assert.Equal(t, contracts.CommandFailedType, events[2].EventType)
	f, err := events[2].DecodeFailure()
	require.NoError(t, err)
	assert.Equal(t, "second", f.Message)
	assert.Len(t, s.Submitted(), 4)

	unsubscribe()
	unsubscribe()
	s.Emit(contracts.KernelEventEnvelope{EventType: contracts.CommandSucceededType, Token: "x"})
	assert.Len(t, events, 3)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, submit("e"), ErrClosed)
}

func TestScripted_OnSubmitHook(t *testing.T) {
	s := NewScripted(nil)
	s.OnSubmit = func(cmd contracts.KernelCommandEnvelope) error {
		return fmt.Errorf("refused %s", cmd.Token)
	}
	err := s.Submit(context.Background(), contracts.KernelCommandEnvelope{CommandType: contracts.SubmitCodeType, Token: "t"})
	assert.EqualError(t, err, "refused t")
}

func TestLoadScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
kernel: csharp
cells:
  - id: cell-1
    code: "1+1"
responses:
  SubmitCode:
    replies:
      - eventType: DisplayedValueProduced
        event:
          valueId: null
          formattedValues:
            - mimeType: text/html
              value: "2"
      - eventType: CommandSucceeded
`), 0644))

	script, err := LoadScript(path)
	require.NoError(t, err)
	assert.Equal(t, "csharp", script.Kernel)
	assert.Equal(t, path, script.Document)
	require.Len(t, script.Cells, 1)
	assert.Equal(t, "1+1", script.Cells[0].Code)

	ch, err := ScriptedFactory(script)(context.Background(), document.Identity(path))
	require.NoError(t, err)
	c := kernel.NewClient(ch, kernel.DefaultClientConfig())
	defer c.Close()

	got, err := c.Execute(context.Background(), script.Cells[0].Code, script.Kernel, nil, nil, kernel.ExecuteOptions{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, output.TextItem("text/html", "2"), got[0].Items[0])
}

func TestLoadScript_Invalid(t *testing.T) {
	_, err := LoadScript(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cells: [:"), 0644))
	_, err = LoadScript(path)
	assert.Error(t, err)
}
