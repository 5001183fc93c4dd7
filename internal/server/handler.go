package server

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/smukkama/job-server/internal/connection"
	"github.com/smukkama/job-server/internal/events"
	"github.com/smukkama/job-server/internal/protocol"
	"github.com/smukkama/job-server/internal/queue"
	"github.com/smukkama/job-server/internal/timer"
)

// Wire error codes carried in ERROR packets.
const (
	errUnknownCommand  = "unknown_command"
	errInvalidFunction = "invalid_function"
	errTooBusy         = "too_busy"
	errQueue           = "queue"
	errShutdown        = "shutdown"
	errUnknownOption   = "unknown_option"
)

func errorPacket(code, message string) *protocol.Packet {
	return protocol.NewResponse(protocol.CmdError, code, message)
}

// handlePacket dispatches one decoded packet for a connection.
func (s *Server) handlePacket(conn *connection.Conn, p *protocol.Packet) error {
	if p.Magic == protocol.MagicText {
		return s.handleAdmin(conn, p)
	}

	switch p.Command {
	case protocol.CmdCanDo:
		s.model.CanDo(conn, p.Arg(0), 0)
	case protocol.CmdCanDoTimeout:
		secs, _ := strconv.Atoi(p.Arg(1))
		s.model.CanDo(conn, p.Arg(0), time.Duration(secs)*time.Second)
	case protocol.CmdCantDo:
		s.model.CantDo(conn, p.Arg(0))
	case protocol.CmdResetAbilities:
		s.model.ResetAbilities(conn)
	case protocol.CmdPreSleep:
		s.model.PreSleep(conn)
	case protocol.CmdAllYours:
		// Accepted and ignored; direct assignment is not implemented.

	case protocol.CmdSubmitJob, protocol.CmdSubmitJobBG,
		protocol.CmdSubmitJobHigh, protocol.CmdSubmitJobHighBG,
		protocol.CmdSubmitJobLow, protocol.CmdSubmitJobLowBG:
		return s.handleSubmit(conn, p)

	case protocol.CmdSubmitJobSched:
		return s.handleSubmitSched(conn, p)
	case protocol.CmdSubmitJobEpoch:
		return s.handleSubmitEpoch(conn, p)

	case protocol.CmdGrabJob:
		return s.handleGrab(conn, false)
	case protocol.CmdGrabJobUniq:
		return s.handleGrab(conn, true)

	case protocol.CmdWorkData, protocol.CmdWorkWarning:
		s.forwardWork(conn, p, false)
	case protocol.CmdWorkException:
		s.forwardWork(conn, p, true)
	case protocol.CmdWorkStatus:
		s.handleWorkStatus(p)
	case protocol.CmdWorkComplete:
		return s.handleFinish(conn, p, true)
	case protocol.CmdWorkFail:
		return s.handleFinish(conn, p, false)

	case protocol.CmdGetStatus:
		return s.handleGetStatus(conn, p)
	case protocol.CmdEchoReq:
		return conn.Enqueue(protocol.NewResponse(protocol.CmdEchoRes).WithData(p.Data))
	case protocol.CmdOptionReq:
		return s.handleOption(conn, p)
	case protocol.CmdSetClientID:
		conn.SetClientID(p.Arg(0))

	default:
		// A well-framed packet whose command the server never accepts
		// (for example a response command sent as a request).
		return conn.Enqueue(errorPacket(errUnknownCommand,
			fmt.Sprintf("server does not accept %s", p.Command)))
	}
	return nil
}

func validFunctionName(fn string) bool {
	return fn != "" && len(fn) <= protocol.MaxFunctionName
}

func (s *Server) handleSubmit(conn *connection.Conn, p *protocol.Packet) error {
	fn, unique := p.Arg(0), p.Arg(1)
	if !validFunctionName(fn) {
		return conn.Enqueue(errorPacket(errInvalidFunction, "invalid function name"))
	}
	if len(unique) > protocol.MaxUniqueKey {
		return conn.Enqueue(errorPacket(errInvalidFunction, "unique key too long"))
	}

	prio := protocol.SubmitPriority(p.Command)
	background := protocol.SubmitBackground(p.Command)

	job, created, wake, err := s.model.Submit(conn, fn, unique, p.Data, prio, background)
	switch err {
	case nil:
	case ErrDraining:
		return conn.Enqueue(errorPacket(errShutdown, "server is shutting down"))
	case ErrTooBusy:
		return conn.Enqueue(errorPacket(errTooBusy, "server too busy"))
	default:
		return err
	}

	// Mirror new background jobs to durable storage before the client
	// learns the handle; failure drops the job.
	if created && background && s.queue != nil {
		row := queue.Row{
			Unique:   job.QueueKey(),
			Function: job.Function,
			Data:     job.Data,
			Priority: int(job.Priority),
		}
		if err := s.queue.Add(context.Background(), row); err != nil {
			fmt.Printf("Failed to persist job %s: %v\n", job.Handle, err)
			s.model.RemoveJob(job)
			return conn.Enqueue(errorPacket(errQueue, "failed to persist job"))
		}
	}

	if err := conn.Enqueue(protocol.NewResponse(protocol.CmdJobCreated, job.Handle)); err != nil {
		return err
	}

	s.wakeWorkers(wake)
	if created {
		s.publishEvent(events.TypeJobCreated, job)
	}
	return nil
}

func (s *Server) handleSubmitSched(conn *connection.Conn, p *protocol.Packet) error {
	fn, unique := p.Arg(0), p.Arg(1)
	if !validFunctionName(fn) {
		return conn.Enqueue(errorPacket(errInvalidFunction, "invalid function name"))
	}

	fields := make([]int, 5)
	for i := 0; i < 5; i++ {
		raw := p.Arg(2 + i)
		if raw == "" || raw == "*" {
			fields[i] = -1
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return conn.Enqueue(errorPacket(errUnknownCommand, "malformed schedule field"))
		}
		fields[i] = v
	}

	dueAt := timer.NextSchedTime(time.Now(), fields[0], fields[1], fields[2], fields[3], fields[4])
	return s.deferSubmit(conn, fn, unique, p.Data, dueAt)
}

func (s *Server) handleSubmitEpoch(conn *connection.Conn, p *protocol.Packet) error {
	fn, unique := p.Arg(0), p.Arg(1)
	if !validFunctionName(fn) {
		return conn.Enqueue(errorPacket(errInvalidFunction, "invalid function name"))
	}

	epoch, err := strconv.ParseInt(p.Arg(2), 10, 64)
	if err != nil {
		return conn.Enqueue(errorPacket(errUnknownCommand, "malformed epoch"))
	}
	return s.deferSubmit(conn, fn, unique, p.Data, time.Unix(epoch, 0))
}

func (s *Server) deferSubmit(conn *connection.Conn, fn, unique string, data []byte, dueAt time.Time) error {
	job := s.model.NewDeferred(fn, unique, data, protocol.PriorityNormal)

	handle := job.Handle
	if err := s.scheduler.Schedule(handle, dueAt, func() {
		s.fireDeferred(handle)
	}); err != nil {
		return conn.Enqueue(errorPacket(errShutdown, "server is shutting down"))
	}

	return conn.Enqueue(protocol.NewResponse(protocol.CmdJobCreated, handle))
}

// fireDeferred runs on the deferred job's own timer goroutine when it
// comes due.
func (s *Server) fireDeferred(handle string) {
	job, created, wake, err := s.model.PromoteDeferred(handle)
	if err != nil {
		fmt.Printf("Failed to promote deferred job %s: %v\n", handle, err)
		return
	}

	if created && s.queue != nil {
		row := queue.Row{
			Unique:   job.QueueKey(),
			Function: job.Function,
			Data:     job.Data,
			Priority: int(job.Priority),
		}
		if err := s.queue.Add(context.Background(), row); err != nil {
			fmt.Printf("Failed to persist deferred job %s: %v\n", handle, err)
			s.model.RemoveJob(job)
			return
		}
	}

	s.wakeWorkers(wake)
	if created {
		s.publishEvent(events.TypeJobCreated, job)
	}
}

func (s *Server) handleGrab(conn *connection.Conn, uniq bool) error {
	job := s.model.Grab(conn)
	if job == nil {
		return conn.Enqueue(protocol.NewResponse(protocol.CmdNoJob))
	}

	var p *protocol.Packet
	if uniq {
		p = protocol.NewResponse(protocol.CmdJobAssignUniq,
			job.Handle, job.Function, job.Unique).WithData(job.Data)
	} else {
		p = protocol.NewResponse(protocol.CmdJobAssign,
			job.Handle, job.Function).WithData(job.Data)
	}
	if err := conn.Enqueue(p); err != nil {
		return err
	}

	s.publishEvent(events.TypeJobAssigned, job)
	return nil
}

// forwardWork relays WORK_DATA / WORK_WARNING / WORK_EXCEPTION to the
// job's subscribers. Unknown handles are dropped silently.
func (s *Server) forwardWork(conn *connection.Conn, p *protocol.Packet, exceptionsOnly bool) {
	targets, ok := s.model.ForwardTargets(p.Arg(0), exceptionsOnly)
	if !ok {
		return
	}
	relay := &protocol.Packet{
		Magic:   protocol.MagicResponse,
		Command: p.Command,
		Args:    p.Args,
		Data:    p.Data,
	}
	for _, target := range targets {
		target.Enqueue(relay)
	}
}

func (s *Server) handleWorkStatus(p *protocol.Packet) {
	targets, ok := s.model.UpdateStatus(p.Arg(0), p.Arg(1), p.Arg(2))
	if !ok {
		return
	}
	relay := &protocol.Packet{
		Magic:   protocol.MagicResponse,
		Command: protocol.CmdWorkStatus,
		Args:    p.Args,
	}
	for _, target := range targets {
		target.Enqueue(relay)
	}
}

func (s *Server) handleFinish(conn *connection.Conn, p *protocol.Packet, complete bool) error {
	handle := p.Arg(0)
	job, subs, ok := s.model.Finish(conn, handle)
	if !ok {
		// Background job whose clients are long gone, or a stale
		// handle: drop silently.
		return nil
	}

	relay := &protocol.Packet{
		Magic:   protocol.MagicResponse,
		Command: p.Command,
		Args:    p.Args,
		Data:    p.Data,
	}
	for _, sub := range subs {
		sub.Enqueue(relay)
	}

	if job.Background && s.queue != nil {
		if err := s.queue.Done(context.Background(), job.QueueKey(), job.Function); err != nil {
			fmt.Printf("Failed to clear persisted job %s: %v\n", job.Handle, err)
		}
	}

	if complete {
		s.publishEvent(events.TypeJobCompleted, job)
	} else {
		s.publishEvent(events.TypeJobFailed, job)
	}
	return nil
}

func (s *Server) handleGetStatus(conn *connection.Conn, p *protocol.Packet) error {
	handle := p.Arg(0)
	known, running, num, den := s.model.Status(handle)

	knownArg, runningArg := "0", "0"
	if known {
		knownArg = "1"
	}
	if running {
		runningArg = "1"
	}
	return conn.Enqueue(protocol.NewResponse(protocol.CmdStatusRes,
		handle, knownArg, runningArg, num, den))
}

func (s *Server) handleOption(conn *connection.Conn, p *protocol.Packet) error {
	option := p.Arg(0)
	switch option {
	case "exceptions":
		s.model.SetExceptions(conn)
		return conn.Enqueue(protocol.NewResponse(protocol.CmdOptionRes, option))
	default:
		return conn.Enqueue(errorPacket(errUnknownOption,
			fmt.Sprintf("unknown option: %s", option)))
	}
}

// wakeWorkers NOOPs each sleeping worker collected by the model.
func (s *Server) wakeWorkers(wake []*connection.Conn) {
	for _, conn := range wake {
		conn.Enqueue(protocol.NewResponse(protocol.CmdNoop))
	}
}

func (s *Server) publishEvent(eventType string, job *Job) {
	if s.events == nil {
		return
	}
	event := &events.JobEvent{
		Type:       eventType,
		Handle:     job.Handle,
		Function:   job.Function,
		Unique:     job.Unique,
		Priority:   job.Priority.String(),
		Background: job.Background,
	}
	if err := s.events.Publish(context.Background(), event); err != nil {
		fmt.Printf("Failed to publish %s event for %s: %v\n", eventType, job.Handle, err)
	}
}
