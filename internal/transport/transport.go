package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Transport 是子进程 stdio 帧传输的抽象 / Transport abstracts framed
// message exchange with an agent child process. Frames are complete JSON
// documents without the trailing newline.
type Transport interface {
	// Start launches the underlying stream. Callbacks must be registered
	// before Start so no early frame is missed.
	Start(ctx context.Context) error

	// Send writes one frame. It is safe for concurrent use.
	Send(frame []byte) error

	// OnFrame registers the inbound frame callback. Must be called before
	// Start; the callback runs on the transport's read goroutine.
	OnFrame(fn func(frame []byte))

	// OnExit registers the exit callback, invoked exactly once when the
	// underlying stream ends. A nil error means a clean exit.
	OnExit(fn func(err error))

	// Close terminates the transport. Idempotent.
	Close() error
}

// Spec describes the child process to spawn.
type Spec struct {
	Command string
	Args    []string
	Env     []string // "KEY=VALUE" entries appended to the parent env
	Dir     string
}

// Process 驱动一个外部 CLI 子进程，按行分帧 JSON / Process owns one agent
// CLI subprocess and frames newline-delimited JSON over its stdio. The
// child's first output may arrive at any point after Start returns; the
// read loop buffers until a complete line is available and can deliver
// zero, one, or many frames per underlying read.
type Process struct {
	spec   Spec
	logger *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	closed bool

	onFrame func([]byte)
	onExit  func(error)
	exited  sync.Once

	stderrMu   sync.Mutex
	stderrTail []string
}

// maxStderrTail bounds the retained child stderr lines used to enrich
// exit errors.
const maxStderrTail = 20

// NewProcess 创建未启动的子进程传输 / NewProcess creates an unstarted
// process transport. Register callbacks, then call Start.
func NewProcess(spec Spec, logger *slog.Logger) *Process {
	if logger == nil {
		logger = slog.Default()
	}
	return &Process{spec: spec, logger: logger}
}

func (p *Process) OnFrame(fn func(frame []byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFrame = fn
}

func (p *Process) OnExit(fn func(err error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onExit = fn
}

// Start spawns the child and begins the read loop.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd != nil {
		return fmt.Errorf("transport already started")
	}
	if strings.TrimSpace(p.spec.Command) == "" {
		return fmt.Errorf("transport command is empty")
	}

	cmd := exec.CommandContext(ctx, p.spec.Command, p.spec.Args...)
	cmd.Dir = p.spec.Dir
	if len(p.spec.Env) > 0 {
		cmd.Env = append(os.Environ(), p.spec.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.spec.Command, err)
	}
	p.cmd = cmd
	p.stdin = stdin

	go p.drainStderr(stderr)
	go p.readLoop(stdout)

	return nil
}

func (p *Process) Send(frame []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stdin == nil {
		return fmt.Errorf("transport not started")
	}
	if p.closed {
		return fmt.Errorf("transport closed")
	}
	if _, err := p.stdin.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if len(frame) == 0 || frame[len(frame)-1] != '\n' {
		if _, err := p.stdin.Write([]byte{'\n'}); err != nil {
			return fmt.Errorf("write frame delimiter: %w", err)
		}
	}
	return nil
}

// Close closes stdin and kills the child if it does not exit on its own.
// Safe to call multiple times.
func (p *Process) Close() error {
	p.mu.Lock()
	if p.closed || p.cmd == nil {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	stdin := p.stdin
	cmd := p.cmd
	p.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd.Process != nil {
		// The read loop observes EOF and fires OnExit; killing here only
		// guarantees the child cannot linger.
		_ = cmd.Process.Kill()
	}
	return nil
}

// StderrTail 返回子进程最近的 stderr 行 / StderrTail returns the most
// recent child stderr lines, for error classification.
func (p *Process) StderrTail() string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()
	return strings.Join(p.stderrTail, "\n")
}

func (p *Process) readLoop(stdout io.Reader) {
	p.mu.Lock()
	deliver := p.onFrame
	p.mu.Unlock()

	err := ReadFrames(stdout, func(frame []byte) {
		if deliver != nil {
			deliver(frame)
		}
	})

	waitErr := p.cmd.Wait()
	exitErr := err
	if exitErr == nil {
		exitErr = waitErr
	}
	if exitErr != nil {
		if tail := p.StderrTail(); tail != "" {
			exitErr = fmt.Errorf("%w: %s", exitErr, tail)
		}
	}
	p.fireExit(exitErr)
}

func (p *Process) fireExit(err error) {
	p.exited.Do(func() {
		p.mu.Lock()
		fn := p.onExit
		closed := p.closed
		p.mu.Unlock()
		if closed {
			// Deliberate teardown is not an error.
			err = nil
		}
		if fn != nil {
			fn(err)
		}
	})
}

func (p *Process) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		p.logger.Debug("agent stderr", "line", line)
		p.stderrMu.Lock()
		p.stderrTail = append(p.stderrTail, line)
		if len(p.stderrTail) > maxStderrTail {
			p.stderrTail = p.stderrTail[len(p.stderrTail)-maxStderrTail:]
		}
		p.stderrMu.Unlock()
	}
}

// ReadFrames 逐帧读取换行分隔的 JSON / ReadFrames reads newline-delimited
// frames from r and delivers each complete, non-empty line. Partial lines
// spanning multiple reads are buffered until the delimiter arrives.
// Returns nil on EOF.
func ReadFrames(r io.Reader, deliver func(frame []byte)) error {
	reader := bufio.NewReaderSize(r, 64*1024)
	var pending []byte
	for {
		chunk, err := reader.ReadBytes('\n')
		if len(chunk) > 0 {
			pending = append(pending, chunk...)
		}
		if err == nil {
			frame := bytes.TrimRight(pending, "\r\n")
			pending = nil
			if len(bytes.TrimSpace(frame)) > 0 {
				deliver(frame)
			}
			continue
		}
		if err == io.EOF {
			frame := bytes.TrimRight(pending, "\r\n")
			if len(bytes.TrimSpace(frame)) > 0 {
				deliver(frame)
			}
			return nil
		}
		return err
	}
}
