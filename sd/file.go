package sd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	envListenFds       = "LISTEN_FDS"
	envListenPid       = "LISTEN_PID"
	envListenFdNames   = "LISTEN_FDNAMES"
	envIgnoreListenPid = "LISTEN_PID_IGNORE" // for testing

	// ListenFdsStart is the first passed file descriptor.
	ListenFdsStart = 3
)

// To keep the systemd label of the file descriptor with the file
type sdfile struct {
	*os.File
	name string // fd name from LISTEN_FDNAMES. Not the same as File.Name()
}

// state of the inherited file descriptors
type state struct {
	mu sync.Mutex

	err   error
	count int
	names []string

	available []*sdfile
}

var fdState = &state{}

func init() {
	fdState.inherit(os.Getpid())
}

func (s *state) inherit(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	defer os.Unsetenv(envListenPid)
	defer os.Unsetenv(envListenFds)
	defer os.Unsetenv(envListenFdNames)

	countStr := os.Getenv(envListenFds)
	if countStr == "" {
		return
	}

	// A child exec'ed by Go can't be given its own pid in advance,
	// so LISTEN_PID is only checked when present.
	if pidStr := os.Getenv(envListenPid); pidStr != "" {
		p, err := strconv.Atoi(pidStr)
		if err != nil {
			s.err = fmt.Errorf("invalid %s=%s: %w", envListenPid, pidStr, err)
			return
		}
		if p != pid && os.Getenv(envIgnoreListenPid) == "" {
			return
		}
	}

	count, err := strconv.Atoi(countStr)
	if err != nil || count < 0 {
		s.err = fmt.Errorf("invalid %s=%s", envListenFds, countStr)
		return
	}

	var names []string
	if namesStr := os.Getenv(envListenFdNames); namesStr != "" {
		names = strings.Split(namesStr, ":")
	}

	files := make([]*os.File, 0, count)
	for fd := ListenFdsStart; fd < ListenFdsStart+count; fd++ {
		unix.CloseOnExec(fd)
		files = append(files, os.NewFile(uintptr(fd), "fd:"+strconv.Itoa(fd)))
	}
	s.adopt(files, names)
}

// must be called under lock
func (s *state) adopt(files []*os.File, names []string) {
	for i, f := range files {
		var nm string
		if i < len(names) {
			nm = names[i]
		}
		s.names = append(s.names, nm)
		s.available = append(s.available, &sdfile{File: f, name: nm})
	}
	s.count += len(files)
}

// FileWith returns an inherited file which has the given name (any name if
// sdname is "") and passes all tests. The file is no longer managed by the
// package once returned. The actual name is returned too.
// If nothing matches, the returned file is nil.
func FileWith(sdname string, tests ...FileTest) (*os.File, string, error) {
	return fdState.fileWith(sdname, tests...)
}

func (s *state) fileWith(sdname string, tests ...FileTest) (*os.File, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, candidate := range s.available {
		if candidate == nil {
			continue
		}
		if sdname != "" && candidate.name != sdname {
			continue
		}
		ok, err := candidate.isMatching(tests...)
		if err != nil {
			return nil, "", err
		}
		if ok {
			s.available[i] = nil
			return candidate.File, candidate.name, nil
		}
	}
	return nil, "", nil
}

// ListenFdsWithNames returns the number of inherited file descriptors and
// their names, along with any error from inheriting them.
func ListenFdsWithNames() (int, []string, error) {
	fdState.mu.Lock()
	defer fdState.mu.Unlock()
	return fdState.count, fdState.names, fdState.err
}

// Cleanup closes all inherited file descriptors which have not been taken.
func Cleanup() {
	fdState.mu.Lock()
	defer fdState.mu.Unlock()
	for _, f := range fdState.available {
		if f != nil {
			f.Close()
		}
	}
	fdState.available = nil
}

// DupFile returns a close-on-exec duplicate of f.
// Unlike f.Fd() it leaves the blocking mode of the descriptor alone.
func DupFile(f *os.File) (*os.File, error) {
	var nfd int
	err := control(f, func(fd int) (err error) {
		nfd, err = unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
		return
	})
	if err != nil {
		return nil, fmt.Errorf("dup %s: %w", f.Name(), err)
	}
	return os.NewFile(uintptr(nfd), f.Name()), nil
}

// SetNonblock puts the descriptor of f back in non-blocking mode.
// Passing a file to a child process through os.StartProcess makes it blocking,
// which is shared by all duplicates.
func SetNonblock(f *os.File) error {
	return control(f, func(fd int) error {
		return unix.SetNonblock(fd, true)
	})
}

// run fn with the raw descriptor of f, without touching its blocking mode.
func control(f *os.File, fn func(fd int) error) error {
	rc, err := f.SyscallConn()
	if err != nil {
		return err
	}
	var ferr error
	if err = rc.Control(func(fd uintptr) { ferr = fn(int(fd)) }); err != nil {
		return err
	}
	return ferr
}
