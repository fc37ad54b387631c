package mcpbridge

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
)

// RunHelper is the body of the "mcp <port>" subcommand: it dials the
// Conductor's TCP shim on the loopback port with exponential backoff,
// then bidirectionally copies line-delimited JSON between its own
// stdio and that socket until either side closes (spec.md §4.4,
// §6 "dial with exponential backoff").
func RunHelper(ctx context.Context, port int, initialBackoff, maxBackoff time.Duration, maxAttempts int, stdin io.Reader, stdout io.Writer) error {
	conn, err := dialWithBackoff(ctx, port, initialBackoff, maxBackoff, maxAttempts)
	if err != nil {
		return err
	}
	defer conn.Close()

	peerDone := make(chan error, 1)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := io.Copy(conn, stdin)
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(stdout, conn)
		peerDone <- err
		return err
	})

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case <-ctx.Done():
		_ = conn.Close()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	case err := <-peerDone:
		// The TCP peer closed; stdin may still be open and blocking its
		// copy, so return without waiting for it.
		return err
	}
}

func dialWithBackoff(ctx context.Context, port int, initial, max time.Duration, maxAttempts int) (net.Conn, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	backoff := initial
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > max {
			backoff = max
		}
	}
	return nil, fmt.Errorf("mcpbridge: dialing %s after %d attempts: %w", addr, maxAttempts, lastErr)
}

// stdio wires os.Stdin/os.Stdout for the real helper binary; exposed
// so cmd/symposium-conductor's "mcp" subcommand stays a thin wrapper.
func Stdio() (io.Reader, io.Writer) { return os.Stdin, os.Stdout }
