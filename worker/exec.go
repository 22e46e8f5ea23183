package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ieure/tillicum/listeners"
	"github.com/ieure/tillicum/sd"
)

// Environment of a worker process, besides LISTEN_FDS and LISTEN_FDNAMES.
const (
	EnvControlFD = "TILLICUM_CONTROL_FD"
	EnvWorkerID  = "TILLICUM_WORKER_ID"
	EnvEpoch     = "TILLICUM_EPOCH"
	EnvHeartbeat = "TILLICUM_HEARTBEAT"
)

// Exec is a Backend starting each worker as a child process.
// The listeners are passed as fds 3 and up, named in LISTEN_FDNAMES.
// The control socket follows right after them, at the fd given in
// TILLICUM_CONTROL_FD.
type Exec struct {
	Path string
	Args []string
	// Env is added to the supervisor's own environment.
	Env    []string
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
}

func (e *Exec) Validate() error {
	if e.Path == "" {
		return errors.New("no worker command configured")
	}
	if _, err := exec.LookPath(e.Path); err != nil {
		return err
	}
	return nil
}

func (e *Exec) Start(ctx context.Context, spec Spec) (Process, error) {
	defer listeners.CloseAll(spec.Listeners)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("control socketpair: %w", err)
	}
	parent := os.NewFile(uintptr(fds[0]), "tillicum-control")
	child := os.NewFile(uintptr(fds[1]), "tillicum-control")
	defer child.Close()

	conn, err := net.FileConn(parent)
	parent.Close()
	if err != nil {
		return nil, fmt.Errorf("control socket: %w", err)
	}

	files := listeners.Files(spec.Listeners)
	hb := spec.HeartbeatInterval
	if hb <= 0 {
		hb = DefaultHeartbeatInterval
	}
	env := sd.ListenEnv(append(os.Environ(), e.Env...), listeners.Names(spec.Listeners))
	env = append(env,
		EnvControlFD+"="+strconv.Itoa(sd.ListenFdsStart+len(files)),
		EnvWorkerID+"="+spec.ID,
		EnvEpoch+"="+strconv.FormatUint(spec.Epoch, 10),
		EnvHeartbeat+"="+hb.String(),
	)

	cmd := exec.Command(e.Path, e.Args...)
	cmd.Env = env
	cmd.Dir = e.Dir
	cmd.Stdout = e.Stdout
	cmd.Stderr = e.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	cmd.ExtraFiles = append(files, child)
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		conn.Close()
		return nil, err
	}

	p := &execProc{
		cmd:  cmd,
		ch:   newChannel(conn),
		msgs: make(chan Message, 64),
		done: make(chan struct{}),
	}
	go p.read()
	go p.wait()
	return p, nil
}

type execProc struct {
	cmd  *exec.Cmd
	ch   *channel
	msgs chan Message
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (p *execProc) read() {
	for {
		m, err := p.ch.Recv()
		if err != nil {
			return
		}
		select {
		case p.msgs <- m:
		default:
		}
	}
}

func (p *execProc) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	p.ch.Close()
	close(p.done)
}

func (p *execProc) Pid() int                 { return p.cmd.Process.Pid }
func (p *execProc) Messages() <-chan Message { return p.msgs }
func (p *execProc) Done() <-chan struct{}    { return p.done }

func (p *execProc) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *execProc) Drain() error {
	return p.ch.Send(Message{Type: MsgDrain})
}

// Stop sends "stop", falling back to SIGTERM if the worker doesn't listen.
func (p *execProc) Stop() error {
	if err := p.ch.Send(Message{Type: MsgStop, Time: time.Now()}); err != nil {
		return p.signal(syscall.SIGTERM)
	}
	return nil
}

// Kill sends SIGKILL to the worker's process group.
func (p *execProc) Kill() error {
	return p.signal(syscall.SIGKILL)
}

func (p *execProc) signal(sig syscall.Signal) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	pid := p.cmd.Process.Pid
	if err := syscall.Kill(-pid, sig); err != nil {
		return p.cmd.Process.Signal(sig)
	}
	return nil
}
