package pty

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/peterje/ttymux/internal/ldisc"
	"github.com/peterje/ttymux/internal/registry"
	"github.com/peterje/ttymux/internal/session"
	"github.com/peterje/ttymux/internal/termios"
)

// kernelEOF is the end-of-file character configured on the kernel side of
// every pty the manager opens.
const kernelEOF = 0x04

// stopGrace is how long StopAll waits after a hangup before killing.
const stopGrace = 3 * time.Second

var ErrAlreadyRunning = errors.New("session already has a process")

// process is a command running on a pty and fed by one session.
type process struct {
	sess *session.Session
	cmd  *exec.Cmd
	ptmx *os.File
	log  zerolog.Logger

	cancel     context.CancelFunc
	outputDone chan struct{}
	done       chan struct{}

	mu        sync.Mutex
	stopped   bool
	canonical bool
}

// Manager runs commands whose terminal input is cooked by a session. Lines
// drained from the session are written to the command's pty and whatever
// the command prints is queued on the session's inbound side.
type Manager struct {
	sessions Sessions

	mu        sync.RWMutex
	processes map[session.ID]*process
}

func NewManager(sessions Sessions) *Manager {
	return &Manager{
		sessions:  sessions,
		processes: make(map[session.ID]*process),
	}
}

// Spawn starts command on a new pty bound to session id. The session is
// removed from the registry when the command exits.
func (m *Manager) Spawn(id session.ID, command []string) error {
	if len(command) == 0 {
		return errors.New("empty command")
	}
	sess, err := m.sessions.Get(id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, ok := m.processes[id]; ok {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	// Reserve the slot while the command starts.
	m.processes[id] = nil
	m.mu.Unlock()

	p, err := m.start(sess, command)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		delete(m.processes, id)
		return err
	}
	select {
	case <-p.done:
		delete(m.processes, id)
	default:
		m.processes[id] = p
	}
	return nil
}

func (m *Manager) start(sess *session.Session, command []string) (*process, error) {
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, tty, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("open pty: %w", err)
	}
	defer tty.Close()

	canonical := sess.Attributes().LEnabled(termios.ICANON)
	if err := passthrough(tty, canonical); err != nil {
		ptmx.Close()
		return nil, fmt.Errorf("configure pty: %w", err)
	}
	ws := sess.WindowSize()
	if err := pty.Setsize(ptmx, &pty.Winsize{Rows: ws.Rows, Cols: ws.Cols, X: ws.Xpixel, Y: ws.Ypixel}); err != nil {
		ptmx.Close()
		return nil, fmt.Errorf("set pty size: %w", err)
	}

	cmd.Stdin, cmd.Stdout, cmd.Stderr = tty, tty, tty
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}
	if err := cmd.Start(); err != nil {
		ptmx.Close()
		return nil, fmt.Errorf("start %s: %w", command[0], err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	logger := log.With().
		Str("component", "pty").
		Uint64("session", uint64(sess.ID())).
		Int("pid", cmd.Process.Pid).
		Logger()
	p := &process{
		sess:       sess,
		cmd:        cmd,
		ptmx:       ptmx,
		cancel:     cancel,
		outputDone: make(chan struct{}),
		done:       make(chan struct{}),
		canonical:  canonical,
		log:        logger,
	}

	notices, unsub := sess.Subscribe()
	go p.readOutput()
	go p.writeInput(ctx)
	go p.handleNotices(ctx, notices, unsub)
	go m.wait(p)

	p.log.Info().Strs("command", command).Msg("process started")
	return p, nil
}

// readOutput queues everything the command prints on the session's inbound
// side.
func (p *process) readOutput() {
	defer close(p.outputDone)
	buf := make([]byte, 32*1024)
	for {
		n, err := p.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if _, werr := p.sess.WriteInbound(data); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// writeInput feeds drained entries to the command. In canonical mode an
// entry that does not end a line was cut short by end-of-file, so the
// kernel end-of-file character follows it; an empty entry becomes a bare
// end-of-file.
func (p *process) writeInput(ctx context.Context) {
	for {
		entry, err := p.sess.Drain(ctx)
		if err != nil {
			return
		}

		canonical := p.sess.Attributes().LEnabled(termios.ICANON)
		if err := p.setCanonical(canonical); err != nil {
			p.log.Warn().Err(err).Msg("sync pty mode")
		}
		data := entry
		if canonical && (len(data) == 0 || data[len(data)-1] != '\n') {
			data = append(data[:len(data):len(data)], kernelEOF)
		}
		if len(data) == 0 {
			continue
		}
		if _, err := p.ptmx.Write(data); err != nil {
			p.log.Debug().Err(err).Msg("write to pty")
			p.sess.Unread(entry)
			return
		}
	}
}

func (p *process) setCanonical(canonical bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.canonical == canonical {
		return nil
	}
	if err := passthrough(p.ptmx, canonical); err != nil {
		return err
	}
	p.canonical = canonical
	return nil
}

// handleNotices turns signal events into signals for the foreground process
// group and resizes into pty size changes. A closed session hangs up the
// command.
func (p *process) handleNotices(ctx context.Context, notices <-chan session.Notice, unsub func()) {
	defer unsub()
	for {
		select {
		case n, ok := <-notices:
			if !ok {
				p.stop(unix.SIGHUP)
				return
			}
			if n.Resize != nil {
				ws := n.Resize
				if err := pty.Setsize(p.ptmx, &pty.Winsize{Rows: ws.Rows, Cols: ws.Cols, X: ws.Xpixel, Y: ws.Ypixel}); err != nil {
					p.log.Warn().Err(err).Msg("resize pty")
				}
			}
			for _, ev := range n.Events {
				if sig, ok := signalFor(ev.Kind); ok {
					p.signal(sig)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func signalFor(k ldisc.Kind) (unix.Signal, bool) {
	switch k {
	case ldisc.Interrupt:
		return unix.SIGINT, true
	case ldisc.Quit:
		return unix.SIGQUIT, true
	case ldisc.Suspend:
		return unix.SIGTSTP, true
	}
	return 0, false
}

// signal delivers sig to the pty's foreground process group, falling back
// to the group the command leads.
func (p *process) signal(sig unix.Signal) {
	pgrp, err := unix.IoctlGetInt(int(p.ptmx.Fd()), unix.TIOCGPGRP)
	if err != nil || pgrp <= 0 {
		pgrp = p.cmd.Process.Pid
	}
	if err := unix.Kill(-pgrp, sig); err != nil {
		p.log.Debug().Err(err).Str("signal", sig.String()).Msg("signal process group")
		return
	}
	p.log.Debug().Str("signal", sig.String()).Int("pgrp", pgrp).Msg("signal delivered")
}

func (p *process) stop(sig unix.Signal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	unix.Kill(-p.cmd.Process.Pid, sig)
}

// wait reaps the command and retires its session.
func (m *Manager) wait(p *process) {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.cancel()

	// Output written just before exit is still buffered in the pty.
	select {
	case <-p.outputDone:
	case <-time.After(stopGrace):
	}
	p.ptmx.Close()
	close(p.done)

	id := p.sess.ID()
	m.mu.Lock()
	if m.processes[id] == p {
		delete(m.processes, id)
	}
	m.mu.Unlock()

	ev := p.log.Info()
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Msg("process exited")

	if err := m.sessions.Remove(id); err != nil && !errors.Is(err, registry.ErrNotFound) {
		p.log.Warn().Err(err).Msg("remove session")
	}
}

// Done returns a channel closed when the command on session id exits, or
// nil if none is running.
func (m *Manager) Done(id session.ID) <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p := m.processes[id]; p != nil {
		return p.done
	}
	return nil
}

// Stop hangs up the command on session id.
func (m *Manager) Stop(id session.ID) {
	m.mu.RLock()
	p := m.processes[id]
	m.mu.RUnlock()
	if p != nil {
		p.stop(unix.SIGHUP)
	}
}

// StopAll hangs up every command and waits for them to exit, killing
// those still running after stopGrace.
func (m *Manager) StopAll() {
	m.mu.RLock()
	procs := make([]*process, 0, len(m.processes))
	for _, p := range m.processes {
		if p != nil {
			procs = append(procs, p)
		}
	}
	m.mu.RUnlock()

	for _, p := range procs {
		p.stop(unix.SIGHUP)
	}
	deadline := time.NewTimer(stopGrace)
	defer deadline.Stop()
	for _, p := range procs {
		select {
		case <-p.done:
		case <-deadline.C:
			p.stop(unix.SIGKILL)
			<-p.done
		}
	}
}

// ListActive returns the sessions with a running command.
func (m *Manager) ListActive() []session.ID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]session.ID, 0, len(m.processes))
	for id, p := range m.processes {
		if p != nil {
			ids = append(ids, id)
		}
	}
	return ids
}
