// Package client implements the client side of the job server
// protocol: submitting jobs, waiting on results, and querying status.
package client

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/smukkama/job-server/internal/protocol"
)

// Priority re-exports the protocol queue levels.
const (
	PriorityHigh   = protocol.PriorityHigh
	PriorityNormal = protocol.PriorityNormal
	PriorityLow    = protocol.PriorityLow
)

var (
	ErrJobFailed = errors.New("client: job failed")
)

// ServerError is an ERROR packet surfaced to the caller.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

// JobException is a WORK_EXCEPTION relayed from the worker.
type JobException struct {
	Handle  string
	Payload []byte
}

func (e *JobException) Error() string {
	return fmt.Sprintf("job %s raised exception: %s", e.Handle, e.Payload)
}

// JobStatus is a decoded STATUS_RES reply.
type JobStatus struct {
	Handle      string
	Known       bool
	Running     bool
	Numerator   int
	Denominator int
}

// Client is one connection to the job server. Safe for sequential
// use; each request/response exchange holds the connection.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex
}

// Dial connects to a job server address like "localhost:4730".
func Dial(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to job server: %w", err)
	}
	return &Client{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) send(p *protocol.Packet) error {
	return p.EncodeTo(c.conn)
}

// readResponse reads the next response packet, surfacing ERROR packets
// as *ServerError and skipping stray NOOPs.
func (c *Client) readResponse() (*protocol.Packet, error) {
	for {
		p, err := protocol.Read(c.reader)
		if err != nil {
			return nil, err
		}
		switch p.Command {
		case protocol.CmdNoop:
			continue
		case protocol.CmdError:
			return nil, &ServerError{Code: p.Arg(0), Message: p.Arg(1)}
		default:
			return p, nil
		}
	}
}

// Echo round-trips data through the server, verifying the payload
// comes back intact.
func (c *Client) Echo(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(protocol.NewRequest(protocol.CmdEchoReq).WithData(data)); err != nil {
		return err
	}
	res, err := c.readResponse()
	if err != nil {
		return err
	}
	if res.Command != protocol.CmdEchoRes {
		return fmt.Errorf("unexpected reply %s to ECHO_REQ", res.Command)
	}
	if string(res.Data) != string(data) {
		return errors.New("echo payload corrupted")
	}
	return nil
}

// Submit queues a foreground job and returns its handle without
// waiting for the result.
func (c *Client) Submit(fn, unique string, data []byte, priority protocol.Priority) (string, error) {
	return c.submit(protocol.SubmitCommand(priority, false), fn, unique, data)
}

// SubmitBackground queues a detached job; its fate is observable only
// through Status.
func (c *Client) SubmitBackground(fn, unique string, data []byte, priority protocol.Priority) (string, error) {
	return c.submit(protocol.SubmitCommand(priority, true), fn, unique, data)
}

func (c *Client) submit(cmd protocol.Command, fn, unique string, data []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(protocol.NewRequest(cmd, fn, unique).WithData(data)); err != nil {
		return "", err
	}
	return c.readJobCreated()
}

func (c *Client) readJobCreated() (string, error) {
	res, err := c.readResponse()
	if err != nil {
		return "", err
	}
	if res.Command != protocol.CmdJobCreated {
		return "", fmt.Errorf("unexpected reply %s to job submission", res.Command)
	}
	return res.Arg(0), nil
}

// SubmitAt queues a background job to run at the given time.
func (c *Client) SubmitAt(fn, unique string, data []byte, at time.Time) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := protocol.NewRequest(protocol.CmdSubmitJobEpoch,
		fn, unique, strconv.FormatInt(at.Unix(), 10)).WithData(data)
	if err := c.send(p); err != nil {
		return "", err
	}
	return c.readJobCreated()
}

// Schedule names a submission time in cron-like fields; the job runs
// once, at the next matching time. A negative field is a wildcard.
// Weekday counts from Monday = 0.
type Schedule struct {
	Minute  int
	Hour    int
	Day     int
	Month   int
	Weekday int
}

// SubmitScheduled queues a background job for the next time matching
// the schedule.
func (c *Client) SubmitScheduled(fn, unique string, data []byte, sched Schedule) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	field := func(v int) string {
		if v < 0 {
			return ""
		}
		return strconv.Itoa(v)
	}
	p := protocol.NewRequest(protocol.CmdSubmitJobSched, fn, unique,
		field(sched.Minute), field(sched.Hour), field(sched.Day),
		field(sched.Month), field(sched.Weekday)).WithData(data)
	if err := c.send(p); err != nil {
		return "", err
	}
	return c.readJobCreated()
}

// DoOptions carries optional progress callbacks for Do.
type DoOptions struct {
	OnData    func(chunk []byte)
	OnWarning func(chunk []byte)
	OnStatus  func(numerator, denominator int)
}

// Do submits a foreground job and blocks until it completes, fails, or
// raises an exception. Partial WORK_DATA chunks are concatenated into
// the returned result.
func (c *Client) Do(fn, unique string, data []byte, priority protocol.Priority, opts *DoOptions) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd := protocol.SubmitCommand(priority, false)
	if err := c.send(protocol.NewRequest(cmd, fn, unique).WithData(data)); err != nil {
		return nil, err
	}
	handle, err := c.readJobCreated()
	if err != nil {
		return nil, err
	}
	return c.waitResult(handle, opts)
}

// WaitResult blocks until a previously submitted foreground job
// completes, fails, or raises an exception.
func (c *Client) WaitResult(handle string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitResult(handle, nil)
}

func (c *Client) waitResult(handle string, opts *DoOptions) ([]byte, error) {
	var result []byte
	for {
		res, err := c.readResponse()
		if err != nil {
			return nil, err
		}
		if res.Arg(0) != handle {
			// Another job's traffic on a shared connection; not ours.
			continue
		}

		switch res.Command {
		case protocol.CmdWorkData:
			result = append(result, res.Data...)
			if opts != nil && opts.OnData != nil {
				opts.OnData(res.Data)
			}
		case protocol.CmdWorkWarning:
			if opts != nil && opts.OnWarning != nil {
				opts.OnWarning(res.Data)
			}
		case protocol.CmdWorkStatus:
			if opts != nil && opts.OnStatus != nil {
				num, _ := strconv.Atoi(res.Arg(1))
				den, _ := strconv.Atoi(res.Arg(2))
				opts.OnStatus(num, den)
			}
		case protocol.CmdWorkComplete:
			return append(result, res.Data...), nil
		case protocol.CmdWorkFail:
			return nil, ErrJobFailed
		case protocol.CmdWorkException:
			return nil, &JobException{Handle: handle, Payload: res.Data}
		}
	}
}

// Status queries a job handle.
func (c *Client) Status(handle string) (*JobStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(protocol.NewRequest(protocol.CmdGetStatus, handle)); err != nil {
		return nil, err
	}
	res, err := c.readResponse()
	if err != nil {
		return nil, err
	}
	if res.Command != protocol.CmdStatusRes {
		return nil, fmt.Errorf("unexpected reply %s to GET_STATUS", res.Command)
	}

	num, _ := strconv.Atoi(res.Arg(3))
	den, _ := strconv.Atoi(res.Arg(4))
	return &JobStatus{
		Handle:      res.Arg(0),
		Known:       res.Arg(1) == "1",
		Running:     res.Arg(2) == "1",
		Numerator:   num,
		Denominator: den,
	}, nil
}

// SetOption enables a connection option on the server. The only
// defined option is "exceptions".
func (c *Client) SetOption(option string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(protocol.NewRequest(protocol.CmdOptionReq, option)); err != nil {
		return err
	}
	res, err := c.readResponse()
	if err != nil {
		return err
	}
	if res.Command != protocol.CmdOptionRes {
		return fmt.Errorf("unexpected reply %s to OPTION_REQ", res.Command)
	}
	return nil
}
