package server

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/smukkama/job-server/internal/connection"
	"github.com/smukkama/job-server/internal/protocol"
)

// Job is one submitted work item. A live job is either queued on its
// function's priority list or assigned to exactly one worker, never
// both. Deferred jobs (scheduled submissions) sit outside that
// invariant until promoted.
type Job struct {
	Handle     string
	Unique     string
	Function   string
	Data       []byte
	Priority   protocol.Priority
	Background bool
	CreatedAt  time.Time

	// Progress as last reported by WORK_STATUS.
	Numerator   string
	Denominator string

	subscribers map[*connection.Conn]struct{}
	worker      *connection.Conn
	queued      bool
}

// QueueKey is the durable-storage key: the unique key when the client
// supplied one, otherwise the handle.
func (j *Job) QueueKey() string {
	if j.Unique != "" {
		return j.Unique
	}
	return j.Handle
}

// registration links a worker connection to one function, in the
// order the worker registered. GRAB scans preserve this order.
type registration struct {
	function string
	timeout  time.Duration
}

// session is the per-connection server state: worker registrations,
// sleep flag, held jobs, and client subscriptions.
type session struct {
	conn          *connection.Conn
	regs          []*registration
	sleeping      bool
	assigned      map[string]*Job
	subscriptions map[string]*Job
	exceptions    bool
}

// function is a named routing slot with one FIFO per priority.
type function struct {
	name     string
	queues   [protocol.NumPriorities][]*Job
	workers  map[*connection.Conn]struct{}
	maxQueue int
}

func (f *function) queuedCount() int {
	n := 0
	for _, q := range f.queues {
		n += len(q)
	}
	return n
}

// Model is the in-memory job graph: functions, jobs, worker
// registrations, and client subscriptions, guarded by one mutex.
// Methods never perform I/O; they return the connections to notify so
// callers send outside the lock.
type Model struct {
	mu sync.Mutex

	handlePrefix string
	handleSeq    uint64

	functions map[string]*function
	byHandle  map[string]*Job
	byUnique  map[string]*Job // key: function + "\x00" + unique
	deferred  map[string]*Job
	sessions  map[*connection.Conn]*session

	draining bool
	drained  chan struct{}
}

// NewModel creates an empty model. Handles are generated as
// H:<prefix>:<counter>.
func NewModel(handlePrefix string) *Model {
	return &Model{
		handlePrefix: handlePrefix,
		functions:    make(map[string]*function),
		byHandle:     make(map[string]*Job),
		byUnique:     make(map[string]*Job),
		deferred:     make(map[string]*Job),
		sessions:     make(map[*connection.Conn]*session),
	}
}

func (m *Model) nextHandle() string {
	m.handleSeq++
	return fmt.Sprintf("H:%s:%d", m.handlePrefix, m.handleSeq)
}

func uniqueKey(fn, unique string) string {
	return fn + "\x00" + unique
}

func (m *Model) getSession(conn *connection.Conn) *session {
	s, ok := m.sessions[conn]
	if !ok {
		s = &session{
			conn:          conn,
			assigned:      make(map[string]*Job),
			subscriptions: make(map[string]*Job),
		}
		m.sessions[conn] = s
	}
	return s
}

func (m *Model) getFunction(name string) *function {
	f, ok := m.functions[name]
	if !ok {
		f = &function{
			name:    name,
			workers: make(map[*connection.Conn]struct{}),
		}
		m.functions[name] = f
	}
	return f
}

// Attach creates the session state for a new connection.
func (m *Model) Attach(conn *connection.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getSession(conn)
}

// Detach tears a connection down: assigned jobs return to the tail of
// their priority sublist with progress reset, registrations and
// subscriptions are dropped, and foreground jobs left with neither
// subscribers nor a worker are destroyed. Returns the sleeping workers
// to wake for requeued jobs, and the requeued jobs themselves.
func (m *Model) Detach(conn *connection.Conn) (wake []*connection.Conn, requeued []*Job) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[conn]
	if !ok {
		return nil, nil
	}
	delete(m.sessions, conn)

	for _, reg := range s.regs {
		if f, ok := m.functions[reg.function]; ok {
			delete(f.workers, conn)
		}
	}

	for _, job := range s.assigned {
		job.worker = nil
		job.Numerator = ""
		job.Denominator = ""
		f := m.getFunction(job.Function)
		f.queues[job.Priority] = append(f.queues[job.Priority], job)
		job.queued = true
		requeued = append(requeued, job)
		wake = append(wake, m.wakeLocked(f)...)
	}

	for _, job := range s.subscriptions {
		delete(job.subscribers, conn)
		if !job.Background && len(job.subscribers) == 0 && job.worker == nil {
			m.destroyLocked(job)
		}
	}

	m.checkDrainedLocked()
	return wake, requeued
}

// wakeLocked collects sleeping workers registered for f and clears
// their sleep flag so each sleep cycle gets at most one NOOP.
func (m *Model) wakeLocked(f *function) []*connection.Conn {
	var wake []*connection.Conn
	for conn := range f.workers {
		s := m.sessions[conn]
		if s != nil && s.sleeping {
			s.sleeping = false
			wake = append(wake, conn)
		}
	}
	return wake
}

// destroyLocked removes a queued job from the model entirely.
func (m *Model) destroyLocked(job *Job) {
	if job.queued {
		f := m.functions[job.Function]
		q := f.queues[job.Priority]
		for i, j := range q {
			if j == job {
				f.queues[job.Priority] = append(q[:i], q[i+1:]...)
				break
			}
		}
		job.queued = false
	}
	delete(m.byHandle, job.Handle)
	if job.Unique != "" {
		delete(m.byUnique, uniqueKey(job.Function, job.Unique))
	}
}

// CanDo registers the connection as a worker for fn. Re-registering
// updates the timeout without changing scan order.
func (m *Model) CanDo(conn *connection.Conn, fn string, timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getSession(conn)
	for _, reg := range s.regs {
		if reg.function == fn {
			reg.timeout = timeout
			return
		}
	}
	s.regs = append(s.regs, &registration{function: fn, timeout: timeout})
	m.getFunction(fn).workers[conn] = struct{}{}
}

// CantDo removes one registration.
func (m *Model) CantDo(conn *connection.Conn, fn string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getSession(conn)
	for i, reg := range s.regs {
		if reg.function == fn {
			s.regs = append(s.regs[:i], s.regs[i+1:]...)
			break
		}
	}
	if f, ok := m.functions[fn]; ok {
		delete(f.workers, conn)
	}
}

// ResetAbilities removes every registration of the connection.
func (m *Model) ResetAbilities(conn *connection.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getSession(conn)
	for _, reg := range s.regs {
		if f, ok := m.functions[reg.function]; ok {
			delete(f.workers, conn)
		}
	}
	s.regs = nil
}

// PreSleep marks the worker as waiting for a NOOP.
func (m *Model) PreSleep(conn *connection.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getSession(conn).sleeping = true
}

// SetExceptions enables WORK_EXCEPTION forwarding for the connection.
func (m *Model) SetExceptions(conn *connection.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getSession(conn).exceptions = true
}

// Submit creates a job, or attaches the caller to an existing one when
// a non-empty unique key matches. Background submissions record no
// subscriber. Returns the job, whether it was newly created, and the
// sleeping workers to wake.
func (m *Model) Submit(conn *connection.Conn, fn, unique string, data []byte, prio protocol.Priority, background bool) (job *Job, created bool, wake []*connection.Conn, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.draining {
		return nil, false, nil, ErrDraining
	}

	if unique != "" {
		if existing, ok := m.byUnique[uniqueKey(fn, unique)]; ok {
			if !background && conn != nil {
				existing.subscribers[conn] = struct{}{}
				m.getSession(conn).subscriptions[existing.Handle] = existing
			}
			return existing, false, nil, nil
		}
	}

	f := m.getFunction(fn)
	if f.maxQueue > 0 && f.queuedCount() >= f.maxQueue {
		return nil, false, nil, ErrTooBusy
	}

	job = &Job{
		Handle:      m.nextHandle(),
		Unique:      unique,
		Function:    fn,
		Data:        data,
		Priority:    prio,
		Background:  background,
		CreatedAt:   time.Now(),
		subscribers: make(map[*connection.Conn]struct{}),
		queued:      true,
	}
	// Background jobs need a stable durable-storage identity.
	if background && job.Unique == "" {
		job.Unique = job.Handle
	}

	m.byHandle[job.Handle] = job
	if job.Unique != "" {
		m.byUnique[uniqueKey(fn, job.Unique)] = job
	}
	f.queues[prio] = append(f.queues[prio], job)

	if !background && conn != nil {
		job.subscribers[conn] = struct{}{}
		m.getSession(conn).subscriptions[job.Handle] = job
	}

	return job, true, m.wakeLocked(f), nil
}

// RemoveJob backs out a freshly created job, used when durable
// persistence fails after Submit.
func (m *Model) RemoveJob(job *Job) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for conn := range job.subscribers {
		if s, ok := m.sessions[conn]; ok {
			delete(s.subscriptions, job.Handle)
		}
	}
	m.destroyLocked(job)
	m.checkDrainedLocked()
}

// NewDeferred allocates a handle for a scheduled submission and parks
// the job outside the live queues until promoted.
func (m *Model) NewDeferred(fn, unique string, data []byte, prio protocol.Priority) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	job := &Job{
		Handle:     m.nextHandle(),
		Unique:     unique,
		Function:   fn,
		Data:       data,
		Priority:   prio,
		Background: true,
		CreatedAt:  time.Now(),
	}
	m.deferred[job.Handle] = job
	return job
}

// PromoteDeferred moves a deferred job into the live queues as a
// background submission.
func (m *Model) PromoteDeferred(handle string) (job *Job, created bool, wake []*connection.Conn, err error) {
	m.mu.Lock()
	parked, ok := m.deferred[handle]
	if !ok {
		m.mu.Unlock()
		return nil, false, nil, fmt.Errorf("deferred job %s not found", handle)
	}
	delete(m.deferred, handle)
	m.mu.Unlock()

	return m.Submit(nil, parked.Function, parked.Unique, parked.Data, parked.Priority, true)
}

// Grab hands the connection its next job: registrations are scanned in
// registration order, priorities high to low, FIFO within a priority.
// Returns nil when every registered queue is empty.
func (m *Model) Grab(conn *connection.Conn) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.getSession(conn)
	for _, reg := range s.regs {
		f, ok := m.functions[reg.function]
		if !ok {
			continue
		}
		for prio := range f.queues {
			if len(f.queues[prio]) == 0 {
				continue
			}
			job := f.queues[prio][0]
			f.queues[prio] = f.queues[prio][1:]
			job.queued = false
			job.worker = conn
			s.assigned[job.Handle] = job
			return job
		}
	}
	return nil
}

// Job looks up a live job by handle.
func (m *Model) Job(handle string) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.byHandle[handle]
	return job, ok
}

// UpdateStatus records WORK_STATUS progress and returns the
// subscribers to forward it to.
func (m *Model) UpdateStatus(handle, numerator, denominator string) ([]*connection.Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.byHandle[handle]
	if !ok {
		return nil, false
	}
	job.Numerator = numerator
	job.Denominator = denominator
	return m.subscribersLocked(job, false), true
}

// ForwardTargets returns the subscribers a WORK_* packet should be
// relayed to. With exceptionsOnly set, only subscribers that opted in
// via OPTION_REQ "exceptions" are returned.
func (m *Model) ForwardTargets(handle string, exceptionsOnly bool) ([]*connection.Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.byHandle[handle]
	if !ok {
		return nil, false
	}
	return m.subscribersLocked(job, exceptionsOnly), true
}

func (m *Model) subscribersLocked(job *Job, exceptionsOnly bool) []*connection.Conn {
	subs := make([]*connection.Conn, 0, len(job.subscribers))
	for conn := range job.subscribers {
		if exceptionsOnly {
			if s, ok := m.sessions[conn]; !ok || !s.exceptions {
				continue
			}
		}
		subs = append(subs, conn)
	}
	return subs
}

// Finish removes a job on WORK_COMPLETE or WORK_FAIL and returns it
// with the subscribers to notify. Unknown handles report ok=false and
// the caller drops the packet silently.
func (m *Model) Finish(worker *connection.Conn, handle string) (job *Job, subs []*connection.Conn, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok = m.byHandle[handle]
	if !ok {
		return nil, nil, false
	}

	subs = m.subscribersLocked(job, false)

	if job.worker != nil {
		if s, ok := m.sessions[job.worker]; ok {
			delete(s.assigned, job.Handle)
		}
	}
	for conn := range job.subscribers {
		if s, ok := m.sessions[conn]; ok {
			delete(s.subscriptions, job.Handle)
		}
	}
	job.worker = nil
	m.destroyLocked(job)
	m.checkDrainedLocked()
	return job, subs, true
}

// Status reports GET_STATUS fields for a handle. Deferred jobs are
// known but not running.
func (m *Model) Status(handle string) (known, running bool, numerator, denominator string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job, ok := m.byHandle[handle]; ok {
		num, den := job.Numerator, job.Denominator
		if num == "" {
			num = "0"
		}
		if den == "" {
			den = "0"
		}
		return true, job.worker != nil, num, den
	}
	if _, ok := m.deferred[handle]; ok {
		return true, false, "0", "0"
	}
	return false, false, "0", "0"
}

// SetMaxQueue caps the queued-job count for a function; 0 removes the
// cap.
func (m *Model) SetMaxQueue(fn string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getFunction(fn).maxQueue = n
}

// JobCount returns the number of live (queued or assigned) jobs.
func (m *Model) JobCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byHandle)
}

// EnterDraining stops new submissions and returns a channel closed
// when the last live job finishes.
func (m *Model) EnterDraining() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.drained == nil {
		m.draining = true
		m.drained = make(chan struct{})
		m.checkDrainedLocked()
	}
	return m.drained
}

func (m *Model) checkDrainedLocked() {
	if m.draining && len(m.byHandle) == 0 {
		select {
		case <-m.drained:
		default:
			close(m.drained)
		}
	}
}

// FunctionStat is one line of the admin "status" report.
type FunctionStat struct {
	Name    string
	Total   int
	Running int
	Workers int
}

// FunctionStats snapshots per-function counters, sorted by name.
func (m *Model) FunctionStats() []FunctionStat {
	m.mu.Lock()
	defer m.mu.Unlock()

	running := make(map[string]int)
	total := make(map[string]int)
	for _, job := range m.byHandle {
		total[job.Function]++
		if job.worker != nil {
			running[job.Function]++
		}
	}

	stats := make([]FunctionStat, 0, len(m.functions))
	for name, f := range m.functions {
		stats = append(stats, FunctionStat{
			Name:    name,
			Total:   total[name],
			Running: running[name],
			Workers: len(f.workers),
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// WorkerInfo is one line of the admin "workers" report.
type WorkerInfo struct {
	ConnID    string
	Addr      string
	ClientID  string
	Functions []string
}

// Workers snapshots every session's registrations.
func (m *Model) Workers() []WorkerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]WorkerInfo, 0, len(m.sessions))
	for conn, s := range m.sessions {
		info := WorkerInfo{
			ConnID:   conn.ID,
			ClientID: conn.ClientID(),
		}
		if addr := conn.RemoteAddr(); addr != nil {
			info.Addr = addr.String()
		}
		for _, reg := range s.regs {
			info.Functions = append(info.Functions, reg.function)
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ConnID < infos[j].ConnID })
	return infos
}

var (
	ErrTooBusy  = &ModelError{"job queue limit reached"}
	ErrDraining = &ModelError{"server is shutting down"}
)

// ModelError represents a job model error.
type ModelError struct {
	msg string
}

func (e *ModelError) Error() string {
	return e.msg
}
