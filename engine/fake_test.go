package engine

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"
)

// fakeProcess replays scripted output. When live is set, stdout stays open
// until Interrupt or finish is called.
type fakeProcess struct {
	stdout      io.Reader
	stderr      io.Reader
	waitErr     error
	writer      *io.PipeWriter
	interrupted chan struct{}
	once        sync.Once
}

func scripted(stdout, stderr string, waitErr error) *fakeProcess {
	return &fakeProcess{
		stdout:      strings.NewReader(stdout),
		stderr:      strings.NewReader(stderr),
		waitErr:     waitErr,
		interrupted: make(chan struct{}),
	}
}

func live() *fakeProcess {
	r, w := io.Pipe()
	return &fakeProcess{
		stdout:      r,
		stderr:      strings.NewReader(""),
		writer:      w,
		interrupted: make(chan struct{}),
	}
}

func (p *fakeProcess) Stdout() io.Reader { return p.stdout }
func (p *fakeProcess) Stderr() io.Reader { return p.stderr }
func (p *fakeProcess) Wait() error       { return p.waitErr }

func (p *fakeProcess) Interrupt(time.Duration) error {
	p.once.Do(func() {
		close(p.interrupted)
		if p.writer != nil {
			p.waitErr = errors.New("signal: interrupt")
			_ = p.writer.Close()
		}
	})
	return nil
}

func (p *fakeProcess) write(line string) {
	_, _ = io.WriteString(p.writer, line+"\n")
}

func (p *fakeProcess) finish() { _ = p.writer.Close() }

type fakeLauncher struct {
	launch   func(cmd Command) (Process, error)
	mu       sync.Mutex
	commands []Command
}

func (l *fakeLauncher) Launch(_ context.Context, cmd Command) (Process, error) {
	l.mu.Lock()
	l.commands = append(l.commands, cmd)
	l.mu.Unlock()
	return l.launch(cmd)
}

func (l *fakeLauncher) calls() []Command {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Command(nil), l.commands...)
}
