package supervisor

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/ieure/tillicum/worker"
)

// WorkerStatus describes one worker.
type WorkerStatus struct {
	ID            string       `json:"id"`
	Epoch         uint64       `json:"epoch"`
	State         worker.State `json:"state"`
	Pid           int          `json:"pid,omitempty"`
	Started       time.Time    `json:"started"`
	LastHeartbeat *time.Time   `json:"last_heartbeat,omitempty"`
	Misses        int          `json:"misses"`
}

// ListenerStatus describes one listener.
type ListenerStatus struct {
	Name string `json:"name"`
	Net  string `json:"net"`
	Addr string `json:"addr"`
}

// RestartStatus is the outcome of the latest restart.
type RestartStatus struct {
	From     uint64    `json:"from"`
	To       uint64    `json:"to"`
	Error    string    `json:"error,omitempty"`
	Degraded bool      `json:"degraded"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
}

// Status is a snapshot of the supervisor.
type Status struct {
	Epoch       uint64           `json:"epoch"`
	Phase       string           `json:"phase"`
	Started     time.Time        `json:"started"`
	Uptime      string           `json:"uptime"`
	Target      int              `json:"target"`
	Min         int              `json:"min"`
	Max         int              `json:"max"`
	Ready       int              `json:"ready"`
	Total       int              `json:"total"`
	Stopping    bool             `json:"stopping"`
	Listeners   []ListenerStatus `json:"listeners"`
	Workers     []WorkerStatus   `json:"workers"`
	LastRestart *RestartStatus   `json:"last_restart,omitempty"`
}

// Status returns a snapshot. It can be called from anywhere, at any time.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	st := Status{
		Epoch:   s.current,
		Target:  s.target,
		Min:     s.cfg.MinWorkers,
		Max:     s.cfg.MaxWorkers,
		Started: s.started,
	}
	set := s.set
	if r := s.last; r != nil {
		rs := &RestartStatus{
			From:     r.From,
			To:       r.To,
			Degraded: r.Degraded(),
			Started:  r.Started,
			Finished: r.Finished,
		}
		if r.Err != nil {
			rs.Error = r.Err.Error()
		}
		st.LastRestart = rs
	}
	s.mu.RUnlock()

	st.Phase = s.coord.Phase().Name()
	if !st.Started.IsZero() {
		st.Uptime = time.Since(st.Started).Truncate(time.Second).String()
	}
	select {
	case <-s.stopping:
		st.Stopping = true
	default:
	}
	if set != nil {
		addrs := set.Addrs()
		for i, spec := range set.Specs() {
			ls := ListenerStatus{Name: spec.Name, Net: spec.Net, Addr: spec.Addr}
			if i < len(addrs) && addrs[i] != nil {
				ls.Addr = addrs[i].String()
			}
			st.Listeners = append(st.Listeners, ls)
		}
	}
	for _, h := range s.live() {
		ws := WorkerStatus{
			ID:      h.ID(),
			Epoch:   h.Epoch(),
			State:   h.State(),
			Pid:     h.Pid(),
			Started: h.Started(),
		}
		if t, ok := h.Heartbeat(); ok {
			ws.LastHeartbeat = &t
		}
		if rec, ok := s.monitor.Record(h.ID()); ok {
			ws.Misses = rec.Misses
		}
		if ws.State == worker.Ready {
			st.Ready++
		}
		st.Workers = append(st.Workers, ws)
	}
	st.Total = len(st.Workers)
	return st
}

// WriteText writes the status as a human readable table.
func (st Status) WriteText(w io.Writer) error {
	fmt.Fprintf(w, "epoch %d, %s, uptime %s, %d/%d ready (target %d, min %d, max %d)\n",
		st.Epoch, st.Phase, st.Uptime, st.Ready, st.Total, st.Target, st.Min, st.Max)
	if r := st.LastRestart; r != nil {
		outcome := "ok"
		if r.Error != "" {
			outcome = r.Error
		} else if r.Degraded {
			outcome = "degraded"
		}
		fmt.Fprintf(w, "last restart %d -> %d: %s\n", r.From, r.To, outcome)
	}
	for _, l := range st.Listeners {
		fmt.Fprintf(w, "listener %s %s %s\n", l.Name, l.Net, l.Addr)
	}
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEPOCH\tSTATE\tPID\tUP\tMISSES")
	for _, ws := range st.Workers {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\t%d\n", ws.ID, ws.Epoch, ws.State, ws.Pid,
			time.Since(ws.Started).Truncate(time.Second), ws.Misses)
	}
	return tw.Flush()
}
