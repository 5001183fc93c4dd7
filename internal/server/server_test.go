package server

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/smukkama/job-server/internal/protocol"
	"github.com/smukkama/job-server/internal/queue"
	"github.com/smukkama/job-server/pkg/client"
	"github.com/smukkama/job-server/pkg/config"
	"github.com/smukkama/job-server/pkg/worker"
)

func startServer(t *testing.T, q queue.Queue) (*Server, string) {
	t.Helper()

	cfg := &config.ServerConfig{
		Host:           "127.0.0.1",
		Port:           0,
		MaxConnections: 100,
		HandlePrefix:   "test",
		GraceTimeout:   5 * time.Second,
	}
	srv := New(cfg, q, nil)
	if err := srv.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(srv.Stop)
	return srv, srv.Addr().String()
}

func dialClient(t *testing.T, addr string) *client.Client {
	t.Helper()
	c, err := client.Dial(addr)
	if err != nil {
		t.Fatalf("Client dial failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func dialWorker(t *testing.T, addr string) *worker.Worker {
	t.Helper()
	w, err := worker.Dial(addr)
	if err != nil {
		t.Fatalf("Worker dial failed: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func TestEcho(t *testing.T) {
	_, addr := startServer(t, nil)
	c := dialClient(t, addr)

	if err := c.Echo([]byte("hello")); err != nil {
		t.Fatalf("Echo failed: %v", err)
	}
}

func TestSubmitAndComplete(t *testing.T) {
	_, addr := startServer(t, nil)

	w := dialWorker(t, addr)
	err := w.Register("reverse", func(job *worker.Job) ([]byte, error) {
		out := make([]byte, len(job.Data))
		for i, b := range job.Data {
			out[len(job.Data)-1-i] = b
		}
		return out, nil
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Exits with a read error once the test closes the connection.
		w.Work(context.Background())
	}()

	c := dialClient(t, addr)
	result, err := c.Do("reverse", "", []byte("abc"), client.PriorityNormal, nil)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if string(result) != "cba" {
		t.Errorf("Expected cba, got %q", result)
	}

	w.Close()
	<-done
}

func TestUniqueCoalescing(t *testing.T) {
	_, addr := startServer(t, nil)

	c1 := dialClient(t, addr)
	c2 := dialClient(t, addr)

	h1, err := c1.Submit("f", "u", []byte("x"), client.PriorityNormal)
	if err != nil {
		t.Fatalf("Submit 1 failed: %v", err)
	}
	h2, err := c2.Submit("f", "u", []byte("x"), client.PriorityNormal)
	if err != nil {
		t.Fatalf("Submit 2 failed: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("Expected coalesced handle, got %s and %s", h1, h2)
	}

	var wg sync.WaitGroup
	results := make([]string, 2)
	errs := make([]error, 2)
	for i, c := range []*client.Client{c1, c2} {
		wg.Add(1)
		go func(i int, c *client.Client) {
			defer wg.Done()
			res, err := c.WaitResult(h1)
			results[i], errs[i] = string(res), err
		}(i, c)
	}

	w := dialWorker(t, addr)
	completions := 0
	w.Register("f", func(job *worker.Job) ([]byte, error) {
		completions++
		return []byte("done"), nil
	})
	job, err := w.Grab()
	if err != nil || job == nil {
		t.Fatalf("Grab failed: %v %v", job, err)
	}
	if job.Unique != "u" {
		t.Errorf("Expected unique u, got %q", job.Unique)
	}
	if err := job.Complete([]byte("done")); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	wg.Wait()
	for i := 0; i < 2; i++ {
		if errs[i] != nil {
			t.Errorf("Client %d error: %v", i, errs[i])
		}
		if results[i] != "done" {
			t.Errorf("Client %d: expected done, got %q", i, results[i])
		}
	}

	// The job is gone: a grab finds nothing else.
	if again, _ := w.Grab(); again != nil {
		t.Errorf("Coalesced job handed out twice: %+v", again)
	}
}

func TestPriorityAcquisitionOrder(t *testing.T) {
	_, addr := startServer(t, nil)
	c := dialClient(t, addr)

	for _, sub := range []struct {
		unique   string
		payload  string
		priority protocol.Priority
	}{
		{"j1", "normal", client.PriorityNormal},
		{"j2", "low", client.PriorityLow},
		{"j3", "high", client.PriorityHigh},
	} {
		if _, err := c.SubmitBackground("f", sub.unique, []byte(sub.payload), sub.priority); err != nil {
			t.Fatalf("Submit %s failed: %v", sub.unique, err)
		}
	}

	w := dialWorker(t, addr)
	w.Register("f", func(*worker.Job) ([]byte, error) { return nil, nil })

	var got []string
	for i := 0; i < 3; i++ {
		job, err := w.Grab()
		if err != nil || job == nil {
			t.Fatalf("Grab %d failed: %v %v", i, job, err)
		}
		got = append(got, string(job.Data))
		job.Complete(nil)
	}

	want := []string{"high", "normal", "low"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Acquisition order wrong: got %v, want %v", got, want)
		}
	}
}

func TestRequeueOnWorkerLoss(t *testing.T) {
	srv, addr := startServer(t, nil)
	c := dialClient(t, addr)

	if _, err := c.SubmitBackground("f", "u1", []byte("payload"), client.PriorityNormal); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	w1 := dialWorker(t, addr)
	w1.Register("f", func(*worker.Job) ([]byte, error) { return nil, nil })
	job, err := w1.Grab()
	if err != nil || job == nil {
		t.Fatalf("First grab failed: %v %v", job, err)
	}

	// Kill the worker before it completes.
	w1.Close()

	// Wait for the server to notice the loss and requeue.
	deadline := time.Now().Add(2 * time.Second)
	for srv.model.JobCount() == 0 || !queuedAgain(srv, job.Handle) {
		if time.Now().After(deadline) {
			t.Fatal("Job was not requeued after worker loss")
		}
		time.Sleep(10 * time.Millisecond)
	}

	w2 := dialWorker(t, addr)
	w2.Register("f", func(*worker.Job) ([]byte, error) { return nil, nil })
	job2, err := w2.Grab()
	if err != nil || job2 == nil {
		t.Fatalf("Second grab failed: %v %v", job2, err)
	}
	if job2.Handle != job.Handle {
		t.Errorf("Expected requeued job %s, got %s", job.Handle, job2.Handle)
	}
	if string(job2.Data) != "payload" {
		t.Errorf("Payload lost on requeue: %q", job2.Data)
	}
}

func queuedAgain(srv *Server, handle string) bool {
	known, running, _, _ := srv.model.Status(handle)
	return known && !running
}

func TestBackgroundJobStatus(t *testing.T) {
	_, addr := startServer(t, nil)

	c1 := dialClient(t, addr)
	handle, err := c1.SubmitBackground("f", "bg1", []byte("x"), client.PriorityNormal)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	c1.Close()

	c2 := dialClient(t, addr)
	status, err := c2.Status(handle)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !status.Known || status.Running {
		t.Errorf("Expected known, not running; got %+v", status)
	}

	w := dialWorker(t, addr)
	w.Register("f", func(*worker.Job) ([]byte, error) { return nil, nil })
	job, err := w.Grab()
	if err != nil || job == nil {
		t.Fatalf("Grab failed: %v %v", job, err)
	}

	status, err = c2.Status(handle)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !status.Known || !status.Running {
		t.Errorf("Expected known and running; got %+v", status)
	}

	if err := job.Complete(nil); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	// Completion removes the job; poll until the handle is unknown.
	deadline := time.Now().Add(2 * time.Second)
	for {
		status, err = c2.Status(handle)
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		if !status.Known {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Completed job still known")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWorkStatusProgress(t *testing.T) {
	_, addr := startServer(t, nil)

	c := dialClient(t, addr)
	handle, err := c.SubmitBackground("f", "prog", nil, client.PriorityNormal)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	w := dialWorker(t, addr)
	w.Register("f", func(*worker.Job) ([]byte, error) { return nil, nil })
	job, err := w.Grab()
	if err != nil || job == nil {
		t.Fatalf("Grab failed: %v %v", job, err)
	}
	if err := job.SendStatus(3, 10); err != nil {
		t.Fatalf("SendStatus failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		status, err := c.Status(handle)
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		if status.Numerator == 3 && status.Denominator == 10 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Progress never recorded: %+v", status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPersistenceAcrossRestart(t *testing.T) {
	q := queue.NewMemory()

	srv1, addr1 := startServer(t, q)
	c := dialClient(t, addr1)
	if _, err := c.SubmitBackground("f", "durable-1", []byte("x"), client.PriorityHigh); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	c.Close()
	srv1.Stop()

	// Ungraceful restart: a fresh server over the same storage.
	_, addr2 := startServer(t, q)
	w := dialWorker(t, addr2)
	w.Register("f", func(*worker.Job) ([]byte, error) { return nil, nil })

	job, err := w.Grab()
	if err != nil || job == nil {
		t.Fatalf("Grab after restart failed: %v %v", job, err)
	}
	if job.Unique != "durable-1" {
		t.Errorf("Expected unique durable-1, got %q", job.Unique)
	}
	if err := job.Complete(nil); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	// Completion clears durable storage.
	deadline := time.Now().Add(2 * time.Second)
	for q.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("Durable row not cleared, %d remaining", q.Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestQueueErrorDropsJob(t *testing.T) {
	srv, addr := startServer(t, failingQueue{})
	c := dialClient(t, addr)

	_, err := c.SubmitBackground("f", "u", nil, client.PriorityNormal)
	if err == nil {
		t.Fatal("Expected a queue error")
	}
	serr, ok := err.(*client.ServerError)
	if !ok || serr.Code != "queue" {
		t.Errorf("Expected ERROR queue, got %v", err)
	}
	if srv.model.JobCount() != 0 {
		t.Errorf("Job survived a persistence failure")
	}

	// The connection stays usable.
	if err := c.Echo([]byte("still here")); err != nil {
		t.Errorf("Connection dead after queue error: %v", err)
	}
}

type failingQueue struct{}

func (failingQueue) Add(ctx context.Context, row queue.Row) error            { return errBoom }
func (failingQueue) Done(ctx context.Context, unique, function string) error { return nil }
func (failingQueue) Flush(ctx context.Context) error                         { return nil }
func (failingQueue) Replay(ctx context.Context, fn queue.ReplayFunc) error   { return nil }
func (failingQueue) Close() error                                            { return nil }

func TestWorkerSleepAndWake(t *testing.T) {
	_, addr := startServer(t, nil)

	w := dialWorker(t, addr)
	w.Register("f", func(job *worker.Job) ([]byte, error) {
		return append([]byte("ok:"), job.Data...), nil
	})
	go w.Work(context.Background())

	// Give the worker time to reach PRE_SLEEP.
	time.Sleep(50 * time.Millisecond)

	c := dialClient(t, addr)
	result, err := c.Do("f", "", []byte("x"), client.PriorityNormal, nil)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if string(result) != "ok:x" {
		t.Errorf("Expected ok:x, got %q", result)
	}
}

func TestGracefulDrain(t *testing.T) {
	srv, addr := startServer(t, nil)

	c := dialClient(t, addr)
	if _, err := c.SubmitBackground("f", "d1", nil, client.PriorityNormal); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	w := dialWorker(t, addr)
	w.Register("f", func(*worker.Job) ([]byte, error) { return nil, nil })
	job, err := w.Grab()
	if err != nil || job == nil {
		t.Fatalf("Grab failed: %v %v", job, err)
	}

	drainDone := make(chan struct{})
	go func() {
		srv.Drain(5 * time.Second)
		close(drainDone)
	}()

	// New submissions are rejected while draining.
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := c.Submit("f", "", nil, client.PriorityNormal)
		if err != nil {
			if serr, ok := err.(*client.ServerError); ok && serr.Code == "shutdown" {
				break
			}
			t.Fatalf("Unexpected submit error while draining: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("Draining never rejected a submit")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := job.Complete(nil); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	select {
	case <-drainDone:
	case <-time.After(3 * time.Second):
		t.Fatal("Drain did not finish after last job completed")
	}
}

func TestAdminConsole(t *testing.T) {
	_, addr := startServer(t, nil)

	w := dialWorker(t, addr)
	w.SetClientID("console-worker")
	w.Register("resize", func(*worker.Job) ([]byte, error) { return nil, nil })

	c := dialClient(t, addr)
	c.SubmitBackground("resize", "a1", nil, client.PriorityNormal)

	raw, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer raw.Close()
	reader := bufio.NewReader(raw)

	readReport := func() []string {
		var lines []string
		for {
			raw.SetReadDeadline(time.Now().Add(2 * time.Second))
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("Console read failed: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			if line == "." {
				return lines
			}
			lines = append(lines, line)
		}
	}

	// Give the submissions time to land before asking for status.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := raw.Write([]byte("status\n")); err != nil {
			t.Fatalf("Console write failed: %v", err)
		}
		lines := readReport()
		if len(lines) == 1 && strings.HasPrefix(lines[0], "resize\t1\t0\t1") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Unexpected status report: %v", lines)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if _, err := raw.Write([]byte("workers\n")); err != nil {
		t.Fatalf("Console write failed: %v", err)
	}
	found := false
	for _, line := range readReport() {
		if strings.Contains(line, "console-worker") && strings.Contains(line, "resize") {
			found = true
		}
	}
	if !found {
		t.Error("workers report missing the registered worker")
	}

	if _, err := raw.Write([]byte("version\n")); err != nil {
		t.Fatalf("Console write failed: %v", err)
	}
	raw.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("Console read failed: %v", err)
	}
	if strings.TrimSpace(line) != Version {
		t.Errorf("Expected version %s, got %q", Version, line)
	}

	if _, err := raw.Write([]byte("maxqueue resize 5\n")); err != nil {
		t.Fatalf("Console write failed: %v", err)
	}
	line, _ = reader.ReadString('\n')
	if strings.TrimSpace(line) != "OK" {
		t.Errorf("Expected OK, got %q", line)
	}
}

func TestExceptionsOption(t *testing.T) {
	_, addr := startServer(t, nil)

	c := dialClient(t, addr)
	if err := c.SetOption("exceptions"); err != nil {
		t.Fatalf("SetOption failed: %v", err)
	}

	handle, err := c.Submit("f", "", []byte("x"), client.PriorityNormal)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	w := dialWorker(t, addr)
	w.Register("f", func(*worker.Job) ([]byte, error) { return nil, nil })
	job, err := w.Grab()
	if err != nil || job == nil {
		t.Fatalf("Grab failed: %v %v", job, err)
	}
	if err := job.Exception([]byte("boom")); err != nil {
		t.Fatalf("Exception failed: %v", err)
	}

	_, err = c.WaitResult(handle)
	exc, ok := err.(*client.JobException)
	if !ok {
		t.Fatalf("Expected JobException, got %v", err)
	}
	if string(exc.Payload) != "boom" {
		t.Errorf("Expected boom, got %q", exc.Payload)
	}
}

func TestUnknownOption(t *testing.T) {
	_, addr := startServer(t, nil)
	c := dialClient(t, addr)

	err := c.SetOption("bogus")
	serr, ok := err.(*client.ServerError)
	if !ok || serr.Code != "unknown_option" {
		t.Errorf("Expected unknown_option error, got %v", err)
	}
}

var errBoom = &queueError{"synthetic persistence failure"}

type queueError struct{ msg string }

func (e *queueError) Error() string { return e.msg }
