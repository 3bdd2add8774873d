// Package rpc runs an external response engine as a child process and talks
// to it with JSON-RPC 2.0 over stdio, using Content-Length framed messages.
//
// The child must answer the "generate" method:
//
//	--> {"jsonrpc":"2.0","id":1,"method":"generate","params":{"text":"hi","session":"room","action":"rag","maxlength":8192}}
//	<-- {"jsonrpc":"2.0","id":1,"result":{"text":"hello"}}
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tinyland-inc/txtchat/pkg/logger"
)

const methodGenerate = "generate"

// ErrNotRunning is returned for calls on a stopped process.
var ErrNotRunning = errors.New("engine process not running")

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type GenerateParams struct {
	Text      string `json:"text"`
	Session   string `json:"session"`
	Action    string `json:"action,omitempty"`
	MaxLength int    `json:"maxlength,omitempty"`
}

type GenerateResult struct {
	Text string `json:"text"`
}

type reply struct {
	result json.RawMessage
	err    error
}

// Process owns the child engine. It is started lazily on the first call
// and restarted on the next call after it exits.
type Process struct {
	command   []string
	env       []string
	action    string
	maxLength int

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	running bool
	exited  chan struct{}

	writeMu sync.Mutex
	nextID  atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan reply
}

type Option func(*Process)

// WithEnv appends KEY=value entries to the inherited environment.
func WithEnv(env ...string) Option {
	return func(p *Process) {
		p.env = append(p.env, env...)
	}
}

// WithAction names the pipeline the engine should run for each request.
func WithAction(action string) Option {
	return func(p *Process) { p.action = action }
}

func WithMaxLength(n int) Option {
	return func(p *Process) { p.maxLength = n }
}

// NewProcess returns a Process for command (program followed by its
// arguments).
func NewProcess(command []string, opts ...Option) *Process {
	p := &Process{
		command: command,
		pending: make(map[uint64]chan reply),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Process) Name() string { return "command" }

// Start spawns the child if it is not already running.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startLocked()
}

func (p *Process) startLocked() error {
	if p.running {
		return nil
	}
	if len(p.command) == 0 {
		return errors.New("engine command is empty")
	}
	if p.cmd != nil {
		// The previous child exited on its own; reap it.
		<-p.exited
		_ = p.cmd.Wait()
		p.cmd = nil
	}

	cmd := exec.Command(p.command[0], p.command[1:]...)
	cmd.Env = append(os.Environ(), p.env...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start engine command: %w", err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.running = true
	p.exited = make(chan struct{})

	go p.readResponses(bufio.NewReader(stdout), p.exited)

	logger.InfoCF("engine", "Engine process started", map[string]any{
		"command": strings.Join(p.command, " "),
		"pid":     cmd.Process.Pid,
	})
	return nil
}

// Stop closes the child's stdin and waits for it to exit.
func (p *Process) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	stdin, cmd, exited := p.stdin, p.cmd, p.exited
	p.cmd = nil
	p.mu.Unlock()

	_ = stdin.Close()
	<-exited
	err := cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

func (p *Process) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Complete implements engine.Provider.
func (p *Process) Complete(ctx context.Context, text, session string) (string, error) {
	params, err := json.Marshal(GenerateParams{
		Text:      text,
		Session:   session,
		Action:    p.action,
		MaxLength: p.maxLength,
	})
	if err != nil {
		return "", err
	}

	raw, err := p.call(ctx, methodGenerate, params)
	if err != nil {
		return "", err
	}

	var res GenerateResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return res.Text, nil
}

func (p *Process) call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	p.mu.Lock()
	if err := p.startLocked(); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	stdin, exited := p.stdin, p.exited
	p.mu.Unlock()

	id := p.nextID.Add(1)
	ch := make(chan reply, 1)
	p.pendingMu.Lock()
	p.pending[id] = ch
	p.pendingMu.Unlock()

	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, id)
		p.pendingMu.Unlock()
	}()

	if err := p.send(stdin, Request{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return nil, err
	}

	select {
	case r := <-ch:
		return r.result, r.err
	case <-exited:
		select {
		case r := <-ch:
			return r.result, r.err
		default:
			return nil, ErrNotRunning
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Process) send(w io.Writer, req Request) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return writeMessage(w, req)
}

// readResponses dispatches responses until stdout closes, then fails every
// outstanding call.
func (p *Process) readResponses(r *bufio.Reader, exited chan struct{}) {
	defer func() {
		p.mu.Lock()
		if p.exited == exited {
			p.running = false
		}
		p.mu.Unlock()

		p.pendingMu.Lock()
		for id, ch := range p.pending {
			ch <- reply{err: ErrNotRunning}
			delete(p.pending, id)
		}
		p.pendingMu.Unlock()
		close(exited)
	}()

	for {
		body, err := readMessage(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.ErrorCF("engine", "Failed to read engine response", map[string]any{"error": err.Error()})
			}
			return
		}

		var resp Response
		if err := json.Unmarshal(body, &resp); err != nil {
			logger.ErrorCF("engine", "Failed to parse engine response", map[string]any{"error": err.Error()})
			continue
		}

		p.pendingMu.Lock()
		if ch, ok := p.pending[resp.ID]; ok {
			if resp.Error != nil {
				ch <- reply{err: resp.Error}
			} else {
				ch <- reply{result: resp.Result}
			}
			delete(p.pending, resp.ID)
		}
		p.pendingMu.Unlock()
	}
}
