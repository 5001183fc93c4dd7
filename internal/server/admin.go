package server

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/smukkama/job-server/internal/connection"
	"github.com/smukkama/job-server/internal/protocol"
)

// handleAdmin serves the line-oriented console. Replies are written
// directly; multi-line reports end with ".\n".
func (s *Server) handleAdmin(conn *connection.Conn, p *protocol.Packet) error {
	if len(p.Args) == 0 {
		return nil
	}

	switch p.Arg(0) {
	case "status":
		var b strings.Builder
		for _, stat := range s.model.FunctionStats() {
			fmt.Fprintf(&b, "%s\t%d\t%d\t%d\n", stat.Name, stat.Total, stat.Running, stat.Workers)
		}
		b.WriteString(".\n")
		return conn.WriteLine(b.String())

	case "workers":
		var b strings.Builder
		for _, info := range s.model.Workers() {
			fmt.Fprintf(&b, "%s %s %s :", shortID(info.ConnID), info.Addr, info.ClientID)
			for _, fn := range info.Functions {
				b.WriteByte(' ')
				b.WriteString(fn)
			}
			b.WriteByte('\n')
		}
		b.WriteString(".\n")
		return conn.WriteLine(b.String())

	case "maxqueue":
		if len(p.Args) < 3 {
			return conn.WriteLine("ERR incomplete_args maxqueue requires function and size\n")
		}
		n, err := strconv.Atoi(p.Arg(2))
		if err != nil || n < 0 {
			return conn.WriteLine("ERR invalid_args size must be a non-negative integer\n")
		}
		s.model.SetMaxQueue(p.Arg(1), n)
		return conn.WriteLine("OK\n")

	case "version":
		return conn.WriteLine(Version + "\n")

	case "shutdown":
		if err := conn.WriteLine("OK\n"); err != nil {
			return err
		}
		if p.Arg(1) == "graceful" {
			go s.Drain(s.config.GraceTimeout)
		} else {
			go s.Stop()
		}
		return nil

	default:
		return conn.WriteLine(fmt.Sprintf("ERR unknown_command %s\n", p.Arg(0)))
	}
}

// shortID abbreviates a connection UUID for console output.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}
