// Package ctrl implements a line based control socket. Registered commands
// are invoked by name, one line at a time.
package ctrl

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"sync"

	"github.com/ieure/tillicum/log"
	"github.com/ieure/tillicum/sd"
)

// Command is the interface of a specific command
type Command interface {
	// ShortUsage provides a short description of command argument syntax and possibly a comment,
	// to be printed in a listing of commands.
	ShortUsage() (syntax string, comment string)

	// Usage lets the command provide its own full documentation, being passed the command name
	// the command is registered under.
	Usage(cmd string, out io.Writer)

	// Invoke invokes the command being passed a context, an io.Writer to the socket,
	// the command name used to invoke it and its arguments.
	// Invoke may return a function to be run asynchronously until ctx is
	// canceled by the next command or the connection going away.
	Invoke(ctx context.Context, conn io.Writer, cmd string, args []string) (async func(), err error)
}

// CommandFunc adapts a plain function to a synchronous Command.
type CommandFunc struct {
	Syntax  string
	Comment string
	Fn      func(ctx context.Context, w io.Writer, args []string) error
}

func (c CommandFunc) ShortUsage() (string, string) { return c.Syntax, c.Comment }

func (c CommandFunc) Usage(cmd string, w io.Writer) {
	fmt.Fprintln(w, cmd, c.Syntax)
	if c.Comment != "" {
		fmt.Fprintln(w, "   ", c.Comment)
	}
}

func (c CommandFunc) Invoke(ctx context.Context, w io.Writer, cmd string, args []string) (func(), error) {
	return nil, c.Fn(ctx, w, args)
}

var (
	cmdmu    sync.Mutex
	commands = make(map[string]Command)
)

// RegisterCommand registers an implementation of the Command interface under a command name
func RegisterCommand(name string, cmd Command) {
	cmdmu.Lock()
	defer cmdmu.Unlock()
	commands[name] = cmd
}

// UnregisterCommand removes a command.
func UnregisterCommand(name string) {
	cmdmu.Lock()
	defer cmdmu.Unlock()
	delete(commands, name)
}

func lookup(name string) (Command, bool) {
	cmdmu.Lock()
	defer cmdmu.Unlock()
	c, ok := commands[name]
	return c, ok
}

// Server accepts connections on a UNIX domain socket on which registered
// commands can be invoked.
type Server struct {
	// Path on which the server will listen.
	Addr string
	// Systemd socket name. If a socket with this name is inherited it's
	// used instead of creating one on Addr.
	ListenerFdName string

	// The command invoking the help system
	HelpCommand string
	// The command to cause the server to close a connection.
	QuitCommand string

	// A logger to log errors during client connections to.
	Logger *log.Logger

	mu        sync.Mutex
	l         net.Listener
	wg        sync.WaitGroup
	doneChan  chan struct{}
	ctx       context.Context
	ctxCancel context.CancelFunc
	unlink    bool
}

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("ctrl: server closed")

func (s *Server) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.GetLogger("tillicum/ctrl")
}

func (s *Server) getDoneChanLocked() chan struct{} {
	if s.doneChan == nil {
		s.doneChan = make(chan struct{})
	}
	return s.doneChan
}

func (s *Server) getDoneChan() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getDoneChanLocked()
}

// Description of the server for logging.
func (s *Server) Description() string {
	if s.ListenerFdName != "" {
		return fmt.Sprintf("control socket(%s)", s.ListenerFdName)
	}
	return fmt.Sprintf("control socket(%s)", s.Addr)
}

// ListenAddr is the address of the listener, once listening.
func (s *Server) ListenAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.l == nil {
		return nil
	}
	return s.l.Addr()
}

// Listen picks an already open listener FD or creates one.
// A stale socket file at Addr is removed first.
func (s *Server) Listen() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx, s.ctxCancel = context.WithCancel(context.Background())
	defer func() {
		if err != nil {
			s.ctxCancel()
		}
	}()

	if s.ListenerFdName != "" {
		var l net.Listener
		l, _, err = sd.InheritListener(s.ListenerFdName, sd.IsUNIXListener("unix", nil))
		if err != nil {
			return
		}
		if l != nil {
			s.l = l
			return nil
		}
	}
	if s.Addr == "" {
		return errors.New("ctrl: no address and no inherited socket")
	}

	var uaddr *net.UnixAddr
	uaddr, err = net.ResolveUnixAddr("unix", s.Addr)
	if err != nil {
		return
	}
	if fi, serr := os.Stat(s.Addr); serr == nil && fi.Mode()&os.ModeSocket != 0 {
		os.Remove(s.Addr)
	}
	var ul *net.UnixListener
	ul, err = net.ListenUnix("unix", uaddr)
	if err != nil {
		return
	}
	ul.SetUnlinkOnClose(true)
	s.l = ul
	return nil
}

// Serve accepts connections until Shutdown. It waits for all connections
// to exit before returning.
func (s *Server) Serve() error {
	s.mu.Lock()
	l, ctx := s.l, s.ctx
	s.mu.Unlock()
	if l == nil {
		return errors.New("ctrl: Serve called before Listen")
	}
	defer s.wg.Wait()
	defer l.Close()

	for {
		conn, e := l.Accept()
		if e != nil {
			select {
			case <-s.getDoneChan():
				return ErrServerClosed
			default:
				return e
			}
		}
		s.wg.Add(1)
		go s.serve(ctx, conn)
	}
}

// Shutdown stops accepting and makes running connections stop.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := s.getDoneChanLocked()
	select {
	case <-ch:
	default:
		close(ch)
	}
	if s.l != nil {
		s.l.Close()
	}
	if s.ctxCancel != nil {
		s.ctxCancel()
	}
}

func tokenize(line []byte) []string {
	lscanner := bufio.NewScanner(bytes.NewReader(line))
	lscanner.Split(bufio.ScanWords)
	var tokens []string
	for lscanner.Scan() {
		tokens = append(tokens, lscanner.Text())
	}
	return tokens
}

func (s *Server) serve(pctx context.Context, c net.Conn) {
	defer s.wg.Done()
	defer c.Close()

	var cmdwg sync.WaitGroup
	var cancel context.CancelFunc // cancels the currently executing async command

	// Server shutdown closes the conn to stop the scanner.
	stopch := make(chan struct{})
	defer close(stopch)
	go func() {
		select {
		case <-pctx.Done():
			c.Close()
		case <-stopch:
		}
	}()

	stopCurrent := func() {
		if cancel != nil {
			cancel()
			cancel = nil
			cmdwg.Wait()
		}
	}
	defer stopCurrent()

	scanner := bufio.NewScanner(c)
	for scanner.Scan() {
		tokens := tokenize(scanner.Bytes())
		if len(tokens) == 0 {
			continue
		}

		// A new command replaces any running one.
		stopCurrent()

		if s.QuitCommand != "" && tokens[0] == s.QuitCommand {
			return
		}

		cmd := tokens[0]
		var cmdhelp bool
		if s.HelpCommand != "" && cmd == s.HelpCommand {
			if len(tokens) < 2 {
				s.help(c)
				continue
			}
			cmd = tokens[1]
			cmdhelp = true
		}

		cmdobj, ok := lookup(cmd)
		if !ok {
			if s.HelpCommand != "" {
				fmt.Fprintln(c, "Unknown command, try:", s.HelpCommand)
			} else {
				fmt.Fprintln(c, "Unknown command")
			}
			continue
		}
		if cmdhelp {
			cmdobj.Usage(cmd, c)
			continue
		}

		var ctx context.Context
		ctx, cancel = context.WithCancel(pctx)
		async, err := cmdobj.Invoke(ctx, c, cmd, tokens[1:])
		if err != nil {
			fmt.Fprintln(c, "Error:", err.Error())
			cancel()
			cancel = nil
			continue
		}
		if async == nil {
			cancel()
			cancel = nil
			continue
		}
		cmdwg.Add(1)
		go func(cancel context.CancelFunc) {
			defer cmdwg.Done()
			async()
			cancel()
		}(cancel)
	}

	if err := scanner.Err(); err != nil {
		select {
		case <-pctx.Done():
		default:
			s.logger().WARN("Reading control connection", "err", err)
		}
	}
}

func (s *Server) help(w io.Writer) {
	type usageinfo struct {
		cmd, syntax, comment string
	}

	cmdmu.Lock()
	infos := make([]usageinfo, 0, len(commands)+2)
	for cmd, obj := range commands {
		syntax, comment := obj.ShortUsage()
		infos = append(infos, usageinfo{cmd, syntax, comment})
	}
	cmdmu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].cmd < infos[j].cmd })

	if s.QuitCommand != "" {
		infos = append(infos, usageinfo{s.QuitCommand, "", "exit and close the connection"})
	}
	if s.HelpCommand != "" {
		infos = append(infos, usageinfo{s.HelpCommand, "[command]", "help"})
	}

	var cmdlength, syntaxlength int
	for _, i := range infos {
		if len(i.cmd) > cmdlength {
			cmdlength = len(i.cmd)
		}
		if len(i.syntax) > syntaxlength {
			syntaxlength = len(i.syntax)
		}
	}

	fmt.Fprintln(w, "---- commands --------------------------------------------------------------")
	for _, i := range infos {
		fmt.Fprintf(w, "%-*s %-*s - %s\n", cmdlength, i.cmd, syntaxlength, i.syntax, i.comment)
	}
}
