package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"kernelbridge/internal/channel"
	"kernelbridge/internal/config"
	"kernelbridge/internal/contracts"
	"kernelbridge/internal/document"
	"kernelbridge/internal/kernel"
	"kernelbridge/internal/mapper"
)

const replayScript = `
kernel: csharp
cells:
  - id: first
    code: "1+1"
  - code: "Console.WriteLine(\"hi\")"
responses:
  SubmitCode:
    replies:
      - eventType: ReturnValueProduced
        event:
          formattedValues: [{mimeType: text/plain, value: "2"}]
      - eventType: CommandSucceeded
  SubmitCode#2:
    replies:
      - eventType: StandardOutputValueProduced
        event:
          formattedValues: [{mimeType: text/plain, value: "hi"}]
      - eventType: CommandFailed
        event:
          message: "(1,1): error CS0103"
`

// run executes the root command with a fresh config path and flag state.
func run(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	for _, k := range []string{"KERNELBRIDGE_KERNEL_COMMAND", "KERNELBRIDGE_TIMEOUT", "KERNELBRIDGE_LOG_DIR"} {
		t.Setenv(k, "")
	}
	plainOutput, replayDocument, configForce = false, "", false
	execCode, execKernel, execToken, execTimeout = "", "csharp", "", 0

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestReplay(t *testing.T) {
	script := writeFile(t, "session.yaml", replayScript)
	out, err := run(t, filepath.Join(t.TempDir(), "config.yaml"), "replay", "--plain", script)

	require.EqualError(t, err, "1 of 2 cells failed")
	assert.Contains(t, out, "-- first (csharp)")
	assert.Contains(t, out, "-- cell-2 (csharp)")
	assert.Contains(t, out, "] 2\n")
	assert.Contains(t, out, "] hi\n")
	assert.Contains(t, out, "Error: (1,1): error CS0103")
}

func TestReplay_MissingScript(t *testing.T) {
	_, err := run(t, filepath.Join(t.TempDir(), "config.yaml"), "replay", filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestConfigInitAndShow(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "nested", "config.yaml")

	out, err := run(t, cfgPath, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+cfgPath)
	require.FileExists(t, cfgPath)

	_, err = run(t, cfgPath, "config", "init")
	require.Error(t, err, "init must not overwrite without --force")

	_, err = run(t, cfgPath, "config", "init", "--force")
	require.NoError(t, err)

	out, err = run(t, cfgPath, "config", "show")
	require.NoError(t, err)
	var shown config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &shown))
	assert.Equal(t, config.DefaultConfig().Kernel.Command, shown.Kernel.Command)
	assert.Equal(t, config.DefaultConfig().Execution.DeferredTokenPrefix, shown.Execution.DeferredTokenPrefix)
}

func TestInvalidConfigRejected(t *testing.T) {
	cfgPath := writeFile(t, "config.yaml", "logging:\n  level: loud\n")
	_, err := run(t, cfgPath, "config", "show")
	require.Error(t, err)
}

func TestExecJobs(t *testing.T) {
	_, err := run(t, filepath.Join(t.TempDir(), "config.yaml"), "config", "show")
	require.NoError(t, err)

	nb := writeFile(t, "demo.dib", "#!csharp\n1+1\n\n#!markdown\n# notes\n\n#!fsharp\nlet x = 1\n")
	jobs, err := execJobs([]string{nb})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, document.MustFromPath(nb), jobs[0].ID)
	assert.Equal(t, []document.Cell{
		{ID: "cell-1", Kernel: "csharp", Code: "1+1"},
		{ID: "cell-2", Kernel: "fsharp", Code: "let x = 1"},
	}, jobs[0].Cells)

	_, err = execJobs([]string{writeFile(t, "plain.cs", "1")})
	require.Error(t, err, "non-notebook documents are rejected")

	execCode = "2+2"
	defer func() { execCode = "" }()
	jobs, err = execJobs([]string{"scratch.dib"})
	require.NoError(t, err)
	assert.Equal(t, []document.Cell{{ID: "cell-1", Kernel: "csharp", Code: "2+2"}}, jobs[0].Cells)

	_, err = execJobs([]string{"a.dib", "b.dib"})
	require.Error(t, err)
}

func TestRunJobs_KernelStartFailureStaysInItsDocument(t *testing.T) {
	if logger == nil {
		logger = zap.NewNop()
	}
	plainOutput = true
	defer func() { plainOutput = false }()

	const broken, healthy = document.Identity("/work/a.dib"), document.Identity("/work/b.dib")
	answer := channel.Response{Replies: []channel.Reply{
		{EventType: contracts.ReturnValueProducedType, Event: contracts.DisplayEvent{
			FormattedValues: []contracts.FormattedValue{{MimeType: "text/plain", Value: "2"}},
		}},
		{EventType: contracts.CommandSucceededType},
	}}
	factory := func(ctx context.Context, id document.Identity) (kernel.Channel, error) {
		if id == broken {
			return nil, errors.New("dotnet: executable file not found")
		}
		return channel.NewScripted(map[string]channel.Response{
			contracts.SubmitCodeType:        answer,
			contracts.SubmitCodeType + "#2": answer,
		}), nil
	}
	m := mapper.New(factory, kernel.DefaultClientConfig())
	defer m.DisposeAll(context.Background())

	jobs := []job{
		{ID: broken, Cells: []document.Cell{{ID: "a1", Kernel: "csharp", Code: "1+1"}, {ID: "a2", Kernel: "csharp", Code: "1+1"}}},
		{ID: healthy, Cells: []document.Cell{{ID: "b1", Kernel: "csharp", Code: "1+1"}, {ID: "b2", Kernel: "csharp", Code: "1+1"}}},
	}
	var out bytes.Buffer
	err := runJobs(context.Background(), &out, m, jobs)
	require.EqualError(t, err, "2 of 4 cells failed")

	got := out.String()
	brokenOut, healthyOut, found := strings.Cut(got, "== /work/b.dib\n")
	require.True(t, found, got)
	assert.Contains(t, brokenOut, "-- a1 (csharp)\n")
	assert.Contains(t, brokenOut, "-- a2 (csharp)\n")
	assert.Equal(t, 2, strings.Count(brokenOut, "] Error: dotnet: executable file not found\n"))
	assert.Equal(t, 2, strings.Count(healthyOut, "] 2\n"))
	assert.NotContains(t, got, "context canceled")
}
