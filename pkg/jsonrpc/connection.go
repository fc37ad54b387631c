package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/nikomatsakis/symposium/internal/logging"
)

const (
	// maxLineSize bounds a single JSON-RPC line; large tool outputs can
	// legitimately be big, so the initial scanner buffer is generous
	// and grown up to this cap, mirroring the teacher's jsonrpc client.
	initialLineBuf = 64 * 1024
	maxLineSize    = 16 * 1024 * 1024
)

// Connection is one JSON-RPC 2.0 endpoint over a pair of framed byte
// streams: a monotonic id allocator, a pending-response table, the
// inbound handler chain, and a child-task registry so everything can
// be torn down together (spec.md §3 "Connection").
type Connection struct {
	name   string
	writer io.Writer
	reader io.Reader
	logger *logging.Logger

	writeMu sync.Mutex

	nextID int64

	pendingMu sync.Mutex
	pending   map[string]chan *Response

	chain *Chain

	ctx    context.Context
	cancel context.CancelFunc

	// wg tracks spawned handler tasks (Spawn); Close cancels them via
	// ctx but does not wait for them to finish, since a handler that
	// ignores cancellation (or blocks on something outside the
	// connection) must not be able to hang Close.
	wg sync.WaitGroup

	// readWG tracks only the readLoop goroutine; Close waits on this
	// one so a caller observing Close's return knows the reader has
	// stopped touching c.reader.
	readWG sync.WaitGroup

	closeOnce sync.Once
	closed    chan struct{}
}

// Option configures a Connection at construction time.
type Option func(*Connection)

// WithLogger attaches a logger; if omitted, a no-op logger is used.
func WithLogger(l *logging.Logger) Option {
	return func(c *Connection) { c.logger = l }
}

// WithName attaches a human-readable name used in log fields, e.g. the
// chain slot this connection talks to.
func WithName(name string) Option {
	return func(c *Connection) { c.name = name }
}

// WithHandlerChain installs the handler chain used to dispatch inbound
// requests and notifications. If omitted, an empty chain is used (every
// inbound request gets "method not found"; every notification is
// logged and dropped).
func WithHandlerChain(chain *Chain) Option {
	return func(c *Connection) { c.chain = chain }
}

// NewConnection wires a Connection around a writer and reader — in
// practice a child process's stdin/stdout, or one end of an in-memory
// pipe for tests and mocked chain components.
func NewConnection(writer io.Writer, reader io.Reader, opts ...Option) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		writer:  writer,
		reader:  reader,
		logger:  logging.NewNop(),
		chain:   NewChain(),
		pending: make(map[string]chan *Response),
		ctx:     ctx,
		cancel:  cancel,
		closed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.WithFields(zap.String("pkg", "jsonrpc")).WithComponent(c.name)
	return c
}

// Done returns a channel closed once this connection has torn down,
// whether via an explicit Close or because the peer went away.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// SetHandlerChain replaces the handler chain used for inbound dispatch.
// Not safe to call concurrently with Start's reader goroutine mutating
// chain state; call before Start, or have handlers guard their own state.
func (c *Connection) SetHandlerChain(chain *Chain) { c.chain = chain }

// Start begins the reader goroutine that parses inbound lines and
// dispatches them. Call once per connection.
func (c *Connection) Start() {
	c.readWG.Add(1)
	go c.readLoop()
}

// Close tears the connection down: pending requests all resolve with
// CodeConnectionClosed, spawned handler tasks are cancelled, the reader
// goroutine stops, and the writer is closed too so the peer observes
// EOF and can cascade its own teardown (spec.md §3 Connection
// lifecycle, §8 P4; §4.3 "proxy crash: fatal").
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.closed)

		c.pendingMu.Lock()
		pending := c.pending
		c.pending = make(map[string]chan *Response)
		c.pendingMu.Unlock()

		closedErr := ConnectionClosed()
		for _, ch := range pending {
			ch <- &Response{JSONRPC: Version, Error: closedErr}
		}

		if closer, ok := c.reader.(io.Closer); ok {
			if cerr := closer.Close(); cerr != nil {
				err = cerr
			}
		}
		if closer, ok := c.writer.(io.Closer); ok {
			if cerr := closer.Close(); err == nil {
				err = cerr
			}
		}
	})
	c.readWG.Wait()
	return err
}

// Spawn runs fn in a goroutine tracked by the connection's child-task
// registry. Close cancels ctx but does not wait for fn to return, so
// fn should respect ctx cancellation.
func (c *Connection) Spawn(fn func(ctx context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
}

// SendRequest allocates the next id, writes the request, and blocks
// until the matching response arrives, the context is cancelled, or
// the connection closes (spec.md §4.1 "Outgoing requests").
func (c *Connection) SendRequest(ctx context.Context, method string, params interface{}) (RawMessage, error) {
	var paramsJSON RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("jsonrpc: marshal params: %w", err)
		}
		paramsJSON = data
	}

	id := NewIntID(atomic.AddInt64(&c.nextID, 1))
	req := &Request{JSONRPC: Version, ID: id, Method: method, Params: paramsJSON}

	respCh := make(chan *Response, 1)
	key := id.String()
	c.pendingMu.Lock()
	c.pending[key] = respCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, key)
		c.pendingMu.Unlock()
	}()

	if err := c.writeLine(req); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ConnectionClosed()
	}
}

// SendNotification writes a notification; no response is expected.
func (c *Connection) SendNotification(method string, params interface{}) error {
	var paramsJSON RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("jsonrpc: marshal params: %w", err)
		}
		paramsJSON = data
	}
	return c.writeLine(&Notification{JSONRPC: Version, Method: method, Params: paramsJSON})
}

// writeLine serializes msg and writes it as one line. Writes on a
// single connection are totally ordered (spec.md §5).
func (c *Connection) writeLine(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("jsonrpc: marshal message: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.writer.Write(data)
	if err != nil {
		return fmt.Errorf("jsonrpc: write: %w", err)
	}
	return nil
}

func (c *Connection) readLoop() {
	defer c.readWG.Done()
	scanner := bufio.NewScanner(c.reader)
	buf := make([]byte, 0, initialLineBuf)
	scanner.Buffer(buf, maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(trimSpace(line)) == 0 {
			continue // tolerate empty lines between messages
		}
		// Copy: scanner.Bytes() is reused on the next Scan call.
		lineCopy := append([]byte(nil), line...)
		c.handleLine(lineCopy)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Warn("read loop error", zap.Error(err))
	}
	// EOF or a fatal scan error both mean the peer is gone: cascade
	// into a full Close so our own pending requests resolve instead of
	// hanging forever, and the peer sees our writer close too. Run it
	// in its own goroutine: Close waits on readWG, and this goroutine
	// is the one holding readWG's last count.
	go func() { _ = c.Close() }()
}

func (c *Connection) handleLine(line []byte) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		c.logger.Warn("malformed JSON line, dropping", zap.Error(err), zap.ByteString("line", line))
		return
	}
	if env.JSONRPC != "" && env.JSONRPC != Version {
		c.logger.Warn("unexpected jsonrpc version field", zap.String("jsonrpc", env.JSONRPC))
	}

	switch env.kind() {
	case kindResponse:
		c.handleResponse(&Response{JSONRPC: Version, ID: *env.ID, Result: env.Result, Error: env.Error})
	case kindRequest:
		// Dispatched on its own task so a handler that blocks on an
		// outbound request to another connection (the common proxy
		// forwarding case) doesn't stall delivery of other inbound
		// messages on this one (spec.md §5 "handler tasks").
		id, method, params := *env.ID, env.Method, env.Params
		c.Spawn(func(ctx context.Context) { c.handleRequest(id, method, params) })
	case kindNotification:
		method, params := env.Method, env.Params
		c.Spawn(func(ctx context.Context) { c.handleNotification(method, params) })
	default:
		c.logger.Warn("unrecognized message shape, dropping", zap.ByteString("line", line))
	}
}

func (c *Connection) handleResponse(resp *Response) {
	key := resp.ID.String()
	c.pendingMu.Lock()
	ch, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Warn("response for unknown request id, discarding", zap.String("id", key))
		return
	}
	ch <- resp
}

func (c *Connection) handleRequest(id ID, method string, params RawMessage) {
	rc := &RequestContext{ID: id, Method: method, Params: params, conn: c}
	respCh := make(chan *Response, 1)
	rc.responseCh = respCh

	result, err := c.chain.HandleRequest(c.ctx, rc)
	if err != nil && !rc.responded {
		_ = rc.RespondError(InternalError(err.Error()))
	} else if result == NotHandled {
		_ = rc.RespondError(MethodNotFound(method))
	}
	rc.ensureResponded()

	select {
	case resp := <-respCh:
		_ = c.writeLine(resp)
	default:
		c.logger.Error("handler produced no response despite ensureResponded", zap.String("method", method))
	}
}

func (c *Connection) handleNotification(method string, params RawMessage) {
	nc := &NotificationContext{Method: method, Params: params}
	if c.chain.HandleNotification(c.ctx, nc) == NotHandled {
		c.logger.Debug("dropped unhandled notification", zap.String("method", method))
	}
}

func trimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}
