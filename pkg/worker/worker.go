// Package worker implements the worker side of the job server
// protocol: registering functions, grabbing jobs, and reporting
// progress and results.
package worker

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/smukkama/job-server/internal/protocol"
)

// JobFunc executes one job. Returning an error reports WORK_FAIL;
// otherwise the returned bytes are sent as WORK_COMPLETE.
type JobFunc func(job *Job) ([]byte, error)

// Job is one assignment received via GRAB_JOB.
type Job struct {
	Handle   string
	Function string
	Unique   string
	Data     []byte

	worker *Worker
}

// SendData streams a partial result to subscribed clients.
func (j *Job) SendData(chunk []byte) error {
	return j.worker.send(protocol.NewRequest(protocol.CmdWorkData, j.Handle).WithData(chunk))
}

// SendWarning streams a warning to subscribed clients.
func (j *Job) SendWarning(chunk []byte) error {
	return j.worker.send(protocol.NewRequest(protocol.CmdWorkWarning, j.Handle).WithData(chunk))
}

// SendStatus reports progress as numerator/denominator.
func (j *Job) SendStatus(numerator, denominator int) error {
	return j.worker.send(protocol.NewRequest(protocol.CmdWorkStatus, j.Handle,
		strconv.Itoa(numerator), strconv.Itoa(denominator)))
}

// Complete reports success with a result payload.
func (j *Job) Complete(result []byte) error {
	return j.worker.send(protocol.NewRequest(protocol.CmdWorkComplete, j.Handle).WithData(result))
}

// Fail reports failure.
func (j *Job) Fail() error {
	return j.worker.send(protocol.NewRequest(protocol.CmdWorkFail, j.Handle))
}

// Exception reports failure with an exception payload. Only clients
// that enabled the "exceptions" option receive it.
func (j *Job) Exception(payload []byte) error {
	return j.worker.send(protocol.NewRequest(protocol.CmdWorkException, j.Handle).WithData(payload))
}

// Worker is one worker connection to the job server.
type Worker struct {
	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex

	handlers map[string]JobFunc
}

// Dial connects to a job server address like "localhost:4730".
func Dial(addr string) (*Worker, error) {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to job server: %w", err)
	}
	return &Worker{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		handlers: make(map[string]JobFunc),
	}, nil
}

// Close closes the connection.
func (w *Worker) Close() error {
	return w.conn.Close()
}

func (w *Worker) send(p *protocol.Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return p.EncodeTo(w.conn)
}

// Register announces CAN_DO for fn and records its handler for Work.
func (w *Worker) Register(fn string, handler JobFunc) error {
	if err := w.send(protocol.NewRequest(protocol.CmdCanDo, fn)); err != nil {
		return err
	}
	w.mu.Lock()
	w.handlers[fn] = handler
	w.mu.Unlock()
	return nil
}

// RegisterWithTimeout announces CAN_DO_TIMEOUT. The timeout is
// advisory; the server records it but does not enforce it.
func (w *Worker) RegisterWithTimeout(fn string, timeout time.Duration, handler JobFunc) error {
	p := protocol.NewRequest(protocol.CmdCanDoTimeout, fn,
		strconv.Itoa(int(timeout/time.Second)))
	if err := w.send(p); err != nil {
		return err
	}
	w.mu.Lock()
	w.handlers[fn] = handler
	w.mu.Unlock()
	return nil
}

// Unregister announces CANT_DO for fn.
func (w *Worker) Unregister(fn string) error {
	if err := w.send(protocol.NewRequest(protocol.CmdCantDo, fn)); err != nil {
		return err
	}
	w.mu.Lock()
	delete(w.handlers, fn)
	w.mu.Unlock()
	return nil
}

// ResetAbilities drops every registration.
func (w *Worker) ResetAbilities() error {
	if err := w.send(protocol.NewRequest(protocol.CmdResetAbilities)); err != nil {
		return err
	}
	w.mu.Lock()
	w.handlers = make(map[string]JobFunc)
	w.mu.Unlock()
	return nil
}

// SetClientID attaches a diagnostic identifier to the connection.
func (w *Worker) SetClientID(id string) error {
	return w.send(protocol.NewRequest(protocol.CmdSetClientID, id))
}

// Echo round-trips data through the server.
func (w *Worker) Echo(data []byte) error {
	if err := w.send(protocol.NewRequest(protocol.CmdEchoReq).WithData(data)); err != nil {
		return err
	}
	res, err := w.readPacket()
	if err != nil {
		return err
	}
	if res.Command != protocol.CmdEchoRes || string(res.Data) != string(data) {
		return fmt.Errorf("echo payload corrupted")
	}
	return nil
}

func (w *Worker) readPacket() (*protocol.Packet, error) {
	return protocol.Read(w.reader)
}

// Grab asks for one job. A nil job means the server had nothing for
// any registered function.
func (w *Worker) Grab() (*Job, error) {
	if err := w.send(protocol.NewRequest(protocol.CmdGrabJobUniq)); err != nil {
		return nil, err
	}
	for {
		res, err := w.readPacket()
		if err != nil {
			return nil, err
		}
		switch res.Command {
		case protocol.CmdNoop:
			// Stale wake-up; the assignment reply is still coming.
			continue
		case protocol.CmdNoJob:
			return nil, nil
		case protocol.CmdJobAssignUniq:
			return &Job{
				Handle:   res.Arg(0),
				Function: res.Arg(1),
				Unique:   res.Arg(2),
				Data:     res.Data,
				worker:   w,
			}, nil
		case protocol.CmdJobAssign:
			return &Job{
				Handle:   res.Arg(0),
				Function: res.Arg(1),
				Data:     res.Data,
				worker:   w,
			}, nil
		case protocol.CmdError:
			return nil, fmt.Errorf("server error %s: %s", res.Arg(0), res.Arg(1))
		default:
			return nil, fmt.Errorf("unexpected reply %s to GRAB_JOB_UNIQ", res.Command)
		}
	}
}

// sleep announces PRE_SLEEP and blocks until the server's NOOP wake.
func (w *Worker) sleep(ctx context.Context) error {
	if err := w.send(protocol.NewRequest(protocol.CmdPreSleep)); err != nil {
		return err
	}

	if deadline, ok := ctx.Deadline(); ok {
		w.conn.SetReadDeadline(deadline)
		defer w.conn.SetReadDeadline(time.Time{})
	}

	for {
		res, err := w.readPacket()
		if err != nil {
			return err
		}
		if res.Command == protocol.CmdNoop {
			return nil
		}
		// Anything else while sleeping is unexpected but harmless.
	}
}

// Work grabs and executes jobs until ctx is done or the connection
// drops. Idle periods are spent in PRE_SLEEP waiting for a NOOP.
func (w *Worker) Work(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job, err := w.Grab()
		if err != nil {
			return err
		}
		if job == nil {
			if err := w.sleep(ctx); err != nil {
				return err
			}
			continue
		}

		w.mu.Lock()
		handler := w.handlers[job.Function]
		w.mu.Unlock()
		if handler == nil {
			job.Fail()
			continue
		}

		result, err := handler(job)
		if err != nil {
			if ferr := job.Fail(); ferr != nil {
				return ferr
			}
			continue
		}
		if err := job.Complete(result); err != nil {
			return err
		}
	}
}
