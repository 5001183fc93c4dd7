package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/smukkama/job-server/internal/connection"
	"github.com/smukkama/job-server/internal/events"
	"github.com/smukkama/job-server/internal/protocol"
	"github.com/smukkama/job-server/internal/queue"
	"github.com/smukkama/job-server/internal/timer"
	"github.com/smukkama/job-server/pkg/config"
)

// Version is reported by the admin "version" command.
const Version = "1.0.0"

// Server is the job queue server: it accepts client and worker
// connections, routes submitted jobs to capable workers, and mirrors
// background jobs to durable storage.
type Server struct {
	config    *config.ServerConfig
	registry  *connection.Registry
	model     *Model
	scheduler *timer.Scheduler
	queue     queue.Queue      // nil: no durable storage
	events    *events.Producer // nil: event stream disabled

	listener net.Listener
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a server. queue and producer may be nil.
func New(cfg *config.ServerConfig, q queue.Queue, producer *events.Producer) *Server {
	return &Server{
		config:    cfg,
		registry:  connection.NewRegistry(cfg.MaxConnections),
		model:     NewModel(cfg.HandlePrefix),
		scheduler: timer.NewScheduler(),
		queue:     q,
		events:    producer,
		stopCh:    make(chan struct{}),
	}
}

// Start replays durable storage into the model, then begins accepting
// connections. A replay failure aborts startup: serving a silently
// partial queue is worse than not serving.
func (s *Server) Start() error {
	if s.queue != nil {
		restored := 0
		err := s.queue.Replay(context.Background(), func(row queue.Row) error {
			_, created, _, err := s.model.Submit(nil, row.Function, row.Unique,
				row.Data, protocol.Priority(row.Priority), true)
			if err != nil {
				return err
			}
			if created {
				restored++
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to replay durable queue: %w", err)
		}
		if restored > 0 {
			fmt.Printf("Restored %d queued jobs from durable storage\n", restored)
		}
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start job server: %w", err)
	}
	s.listener = listener
	fmt.Printf("Job server listening on %s\n", listener.Addr())

	s.wg.Add(1)
	go s.acceptConnections()

	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the server down immediately: the listener closes, every
// connection is torn down, and handler goroutines are awaited.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.queue != nil {
			if err := s.queue.Flush(context.Background()); err != nil {
				fmt.Printf("Failed to flush durable queue: %v\n", err)
			}
		}
	})
	if s.listener != nil {
		s.listener.Close()
	}
	s.scheduler.Stop()

	for _, conn := range s.registry.All() {
		conn.Close()
	}
	s.wg.Wait()
	fmt.Println("Job server stopped")
}

// Drain performs a graceful shutdown: no new submissions are accepted,
// and the server waits until every live job completes or the timeout
// elapses, then stops.
func (s *Server) Drain(timeout time.Duration) {
	fmt.Println("Draining job server...")
	if s.listener != nil {
		s.listener.Close()
	}

	drained := s.model.EnterDraining()
	select {
	case <-drained:
		fmt.Println("All jobs drained")
	case <-time.After(timeout):
		fmt.Printf("Drain timed out after %s, %d jobs remaining\n",
			timeout, s.model.JobCount())
	}
	s.Stop()
}

func (s *Server) acceptConnections() {
	defer s.wg.Done()

	for {
		raw, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				fmt.Printf("Failed to accept connection: %v\n", err)
				continue
			}
		}

		s.wg.Add(1)
		go s.handleConnection(raw)
	}
}

func (s *Server) handleConnection(raw net.Conn) {
	defer s.wg.Done()

	if tcp, ok := raw.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
		tcp.SetKeepAlive(true)
	}

	conn := connection.New(uuid.New().String(), raw)
	defer conn.Close()

	if err := s.registry.Register(conn); err != nil {
		fmt.Printf("Rejecting connection from %s: %v\n", raw.RemoteAddr(), err)
		return
	}
	defer s.registry.Unregister(conn.ID)

	s.model.Attach(conn)
	defer s.dropConnection(conn)

	for {
		select {
		case <-s.stopCh:
			return
		case <-conn.Done():
			return
		default:
		}

		p, err := conn.ReadPacket()
		if err != nil {
			s.reportReadError(conn, err)
			return
		}

		if err := s.handlePacket(conn, p); err != nil {
			fmt.Printf("Connection %s: %v\n", conn.ID, err)
			return
		}
	}
}

// reportReadError sends an ERROR packet for protocol violations before
// the connection closes; I/O errors and EOF close silently.
func (s *Server) reportReadError(conn *connection.Conn, err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
	case errors.Is(err, protocol.ErrInvalidMagic),
		errors.Is(err, protocol.ErrInvalidCommand),
		errors.Is(err, protocol.ErrInvalidPacket),
		errors.Is(err, protocol.ErrTooManyArgs),
		errors.Is(err, protocol.ErrPacketTooLarge):
		conn.Enqueue(errorPacket(errUnknownCommand, err.Error()))
	default:
		fmt.Printf("Connection %s read failed: %v\n", conn.ID, err)
	}
}

// dropConnection releases everything the connection owned. Jobs the
// peer held as a worker go back to their queues; freshly woken workers
// are NOOPed.
func (s *Server) dropConnection(conn *connection.Conn) {
	wake, requeued := s.model.Detach(conn)
	for _, job := range requeued {
		s.publishEvent(events.TypeJobRequeued, job)
	}
	s.wakeWorkers(wake)
}

// Stats reports server-wide counters for the periodic log line.
type Stats struct {
	Connections connection.RegistryStats
	LiveJobs    int
	Deferred    int
}

// Stats snapshots server counters.
func (s *Server) Stats() Stats {
	return Stats{
		Connections: s.registry.Stats(),
		LiveJobs:    s.model.JobCount(),
		Deferred:    s.scheduler.Pending(),
	}
}
