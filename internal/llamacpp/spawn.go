package llamacpp

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

const stderrTailBytes = 4096

// tailBuffer keeps the last n bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	n   int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.n; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// process is one llama-server child.
type process struct {
	cmd     *exec.Cmd
	baseURL string
	stderr  *tailBuffer
	exited  chan struct{}
	waitErr error
	log     zerolog.Logger
}

func pickFreePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func pickPortInRange(host string, start, end int) (int, error) {
	for p := start; p <= end; p++ {
		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err != nil {
			continue
		}
		_ = l.Close()
		return p, nil
	}
	return 0, fmt.Errorf("no free port in range %d-%d", start, end)
}

// spawn starts bin with args and waits until /health answers 2xx, the child
// exits, or ctx ends. On any failure the child is stopped.
func spawn(ctx context.Context, bin string, args []string, baseURL string, c *client, log zerolog.Logger) (*process, error) {
	cmd := exec.Command(bin, args...)
	p := &process{
		cmd:     cmd,
		baseURL: baseURL,
		stderr:  &tailBuffer{n: stderrTailBytes},
		exited:  make(chan struct{}),
		log:     log,
	}
	cmd.Stderr = p.stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start llama-server: %w", err)
	}
	pid := cmd.Process.Pid
	log.Info().Int("pid", pid).Str("url", baseURL).Strs("args", args).Msg("llama-server spawned")
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()

	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-p.exited:
			if p.waitErr != nil {
				log.Error().Int("pid", pid).Err(p.waitErr).Msg("llama-server exited early")
				return nil, fmt.Errorf("llama-server exited early: %v; stderr tail: %s", p.waitErr, p.stderr.String())
			}
			return nil, fmt.Errorf("llama-server exited before ready: %s", baseURL)
		case <-ctx.Done():
			log.Warn().Int("pid", pid).Msg("llama-server not ready in time")
			p.stop()
			return nil, fmt.Errorf("llama-server not ready: %w; stderr tail: %s", ctx.Err(), p.stderr.String())
		case <-tick.C:
		}
		hctx, cancel := context.WithTimeout(ctx, time.Second)
		err := c.health(hctx)
		cancel()
		if err == nil {
			log.Info().Int("pid", pid).Str("url", baseURL).Msg("llama-server ready")
			return p, nil
		}
	}
}

// stop sends SIGTERM and kills the child if it has not exited within 2s.
func (p *process) stop() {
	if p == nil || p.cmd.Process == nil {
		return
	}
	select {
	case <-p.exited:
		return
	default:
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.exited:
	case <-time.After(2 * time.Second):
		_ = p.cmd.Process.Kill()
		<-p.exited
	}
	p.log.Info().Int("pid", p.cmd.Process.Pid).Msg("llama-server stopped")
}
