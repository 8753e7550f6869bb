package registry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"
)

// registerBuiltins wires the functions every taskcore process carries
// regardless of what else it registers: http, shell, sleep, echo.
func registerBuiltins(r *FunctionRegistry) {
	r.Register("http", httpFunc(newPooledHTTPClient()))
	r.Register("shell", shellFunc(defaultShellWhitelist()))
	r.Register("sleep", sleepFunc)
	r.Register("echo", echoFunc)
}

func newPooledHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// httpFunc performs a POST of input to the URL carried in input itself
// as "<url>\n<body>", grounded in HTTPPlugin.Execute's request/response
// shape but stripped of the workflow-template resolution that plugin
// does (the core treats input as opaque bytes, not a templated field).
func httpFunc(client *http.Client) Func {
	return func(ctx context.Context, input, _ []byte) ([]byte, error) {
		url, body, ok := splitFirstLine(input)
		if !ok {
			return nil, fmt.Errorf("http: input must be \"<url>\\n<body>\"")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("http: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/octet-stream")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("http: request failed: %w", err)
		}
		defer resp.Body.Close()

		out, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return nil, fmt.Errorf("http: read response: %w", err)
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("http: status %d: %s", resp.StatusCode, out)
		}
		return out, nil
	}
}

func splitFirstLine(input []byte) (string, []byte, bool) {
	idx := bytes.IndexByte(input, '\n')
	if idx < 0 {
		return string(input), nil, len(input) > 0
	}
	return string(input[:idx]), input[idx+1:], true
}

func defaultShellWhitelist() map[string]bool {
	return map[string]bool{
		"echo": true, "cat": true, "grep": true, "awk": true, "sed": true,
	}
}

// shellFunc runs input as a whitelisted command line, grounded in
// ShellPlugin.Execute.
func shellFunc(allowed map[string]bool) Func {
	return func(ctx context.Context, input, _ []byte) ([]byte, error) {
		parts := strings.Fields(string(input))
		if len(parts) == 0 {
			return nil, fmt.Errorf("shell: empty command")
		}
		if !allowed[parts[0]] {
			return nil, fmt.Errorf("shell: command not allowed: %s", parts[0])
		}

		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("shell: %w: %s", err, stderr.String())
		}
		return stdout.Bytes(), nil
	}
}

// sleepFunc parses input as a duration string and blocks that long,
// returning input unchanged. The supervisor tests use it as a
// short-lived worker.
func sleepFunc(ctx context.Context, input, _ []byte) ([]byte, error) {
	d, err := time.ParseDuration(strings.TrimSpace(string(input)))
	if err != nil {
		return nil, fmt.Errorf("sleep: %w", err)
	}
	select {
	case <-time.After(d):
		return input, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// echoFunc returns input unchanged.
func echoFunc(_ context.Context, input, _ []byte) ([]byte, error) {
	return input, nil
}

// NewFlakyFunc returns a function that fails with err on its first
// failBefore calls and succeeds with value on the rest, grounding the
// S2 "flaky" scenario of spec §8. Call count is per-instance and
// thread-safe since multiple attempts may race during retry/backoff
// testing.
func NewFlakyFunc(failBefore int32, err error, value []byte) Func {
	var calls int32
	return func(_ context.Context, _, _ []byte) ([]byte, error) {
		n := atomic.AddInt32(&calls, 1)
		if n <= failBefore {
			return nil, err
		}
		return value, nil
	}
}

// NewAlwaysFailsFunc returns a function that always fails with err,
// grounding the S3 "always_fails" scenario.
func NewAlwaysFailsFunc(err error) Func {
	return func(_ context.Context, _, _ []byte) ([]byte, error) {
		return nil, err
	}
}

// DoubleFunc parses input as a decimal integer and returns its double,
// grounding the S1 "double" scenario (double(x) = x+x).
func DoubleFunc(_ context.Context, input, _ []byte) ([]byte, error) {
	var x int64
	if _, err := fmt.Sscanf(string(input), "%d", &x); err != nil {
		return nil, fmt.Errorf("double: %w", err)
	}
	return []byte(fmt.Sprintf("%d", x+x)), nil
}
