package conductor

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"

	"github.com/nikomatsakis/symposium/internal/logging"
	"github.com/nikomatsakis/symposium/pkg/jsonrpc"
)

// ComponentSpec describes one chain slot before it's spawned: either a
// real process (Command/Args) or, for tests, a Mock hook that wires up
// an in-memory byte stream instead (spec.md §3: "mocks yield byte
// streams directly", grounded on original_source's component.rs
// ComponentProvider::Command/Mock split).
type ComponentSpec struct {
	Name    string
	Command string
	Args    []string

	// Mock, if set, takes priority over Command and returns the
	// Conductor's end of a duplex pair already wired to a component
	// implementation running in its own goroutine.
	Mock func() (io.Writer, io.Reader, error)
}

// Slot is one spawned chain component plus the Conductor's connection
// to it.
type Slot struct {
	Index int
	Name  string

	cmd    *exec.Cmd
	conn   *jsonrpc.Connection
	closer func() error
}

func (s *Slot) Conn() *jsonrpc.Connection { return s.conn }

// spawnSlot starts the process (or mock) named by spec and wraps it in
// a Connection. The connection's handler chain is installed by the
// caller before Start is called, since routing needs to close over the
// slot's own index.
func spawnSlot(index int, spec ComponentSpec, logger *logging.Logger) (*Slot, error) {
	name := spec.Name
	if name == "" {
		name = fmt.Sprintf("component[%d]", index)
	}
	slotLogger := logger.WithComponent(name)

	if spec.Mock != nil {
		w, r, err := spec.Mock()
		if err != nil {
			return nil, fmt.Errorf("conductor: mock component %d: %w", index, err)
		}
		conn := jsonrpc.NewConnection(w, r, jsonrpc.WithLogger(slotLogger), jsonrpc.WithName(name))
		return &Slot{Index: index, Name: name, conn: conn}, nil
	}

	if spec.Command == "" {
		return nil, fmt.Errorf("conductor: component %d has neither Command nor Mock", index)
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("conductor: component %d stdin pipe: %w", index, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("conductor: component %d stdout pipe: %w", index, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("conductor: component %d stderr pipe: %w", index, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("conductor: spawning component %d (%s): %w", index, spec.Command, err)
	}
	go pumpStderr(stderr, slotLogger)

	conn := jsonrpc.NewConnection(stdin, stdout, jsonrpc.WithLogger(slotLogger), jsonrpc.WithName(name))
	return &Slot{
		Index:  index,
		Name:   name,
		cmd:    cmd,
		conn:   conn,
		closer: func() error { return cmd.Process.Kill() },
	}, nil
}

// wait blocks until the underlying process exits, if this slot is a
// real spawned process. Mocks return nil immediately.
func (s *Slot) wait() error {
	if s.cmd == nil {
		return nil
	}
	return s.cmd.Wait()
}

func (s *Slot) kill() {
	if s.closer != nil {
		_ = s.closer()
	}
}

// pumpStderr relays a spawned component's stderr to the structured
// logger one line at a time, with the component's name already
// attached as a field by the caller.
func pumpStderr(stderr io.Reader, logger *logging.Logger) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 4096), maxStderrLine)
	for scanner.Scan() {
		logger.Info(scanner.Text())
	}
}

const maxStderrLine = 1 << 20
