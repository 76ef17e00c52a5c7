// Command chaski-terminate-connections is the thin wrapper named
// chaski_terminate_connections <start>-<end> in spec §6's CLI surface: it
// dials every local port in the given range, performs the report_paired
// handshake, sends a terminate envelope, and closes — a blunt operator
// tool for tearing down a block of locally bound edges without having to
// run a full node.
package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chaski-confluent/chaski/internal/address"
	"github.com/chaski-confluent/chaski/internal/edge"
	"github.com/chaski-confluent/chaski/internal/envelope"
	"github.com/spf13/cobra"
)

func main() {
	var (
		host    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "chaski-terminate-connections <start>-<end>",
		Short: "Send a terminate envelope to every node in a local port range",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := parseRange(args[0])
			if err != nil {
				return err
			}

			var failed int
			for port := start; port <= end; port++ {
				if err := terminateOne(host, port, timeout); err != nil {
					fmt.Fprintf(os.Stderr, "port %d: %v\n", port, err)
					failed++
				} else {
					fmt.Printf("port %d: terminated\n", port)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d ports failed", failed, end-start+1)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host to dial each port on")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Dial and handshake timeout per port")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// parseRange parses "start-end" into an inclusive integer port range.
func parseRange(s string) (start, end int, err error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("range %q: want <start>-<end>", s)
	}
	start, err = strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("range %q: invalid start: %w", s, err)
	}
	end, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("range %q: invalid end: %w", s, err)
	}
	if end < start {
		return 0, 0, fmt.Errorf("range %q: end before start", s)
	}
	return start, end, nil
}

// terminateOne dials host:port, performs the handshake, and sends a
// terminate envelope. It does not wait for a reply: terminate has no
// response in the command set (spec §6).
func terminateOne(host string, port int, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), timeout)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	e := edge.New(edge.Config{
		Conn:     conn,
		Addr:     address.Address{Class: address.ClassNode, Host: host, Port: port},
		IsDialer: true,
	})
	defer e.Close()

	localAddr := address.Format(address.ClassNode, "0.0.0.0", 0)
	if _, err := edge.Handshake(e, localAddr, nil, false, timeout); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	return e.Send(&envelope.Envelope{
		Command:   envelope.CmdTerminate,
		Origin:    localAddr,
		Timestamp: time.Now().UnixNano(),
	})
}
