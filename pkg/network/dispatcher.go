package network

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ZentaChain/adnl/pkg/fragment"
	"github.com/ZentaChain/adnl/pkg/protocol"
	"github.com/ZentaChain/adnl/pkg/tl"
)

// DefaultHandler is the handler name used when no handler is registered
// for a payload's TL type
const DefaultHandler = "default"

// Request is an inbound query or custom message handed to a handler
type Request struct {
	// Peer identifies the sender: the hex key-id on UDP, the remote
	// address on TCP
	Peer string
	// Auth is the key a TCP client proved ownership of, if any
	Auth ed25519.PublicKey
	// Type is the TL constructor name of Payload, empty if unknown
	Type    string
	Payload []byte
}

// QueryHandler answers a query. A nil answer with a nil error sends an
// empty answer; an error sends nothing and lets the requester time out.
type QueryHandler func(ctx context.Context, req *Request) ([]byte, error)

// CustomHandler consumes a one-way custom message
type CustomHandler func(ctx context.Context, req *Request)

// source is where a message came from and how to answer it
type source interface {
	peerID() string
	authKey() ed25519.PublicKey
	reply(ctx context.Context, msg protocol.Message) error
}

// Handlers is the set of query and custom handlers keyed by payload type.
// It may be shared by several dispatchers.
type Handlers struct {
	mu     sync.RWMutex
	query  map[string]QueryHandler
	custom map[string]CustomHandler
}

func newHandlers() *Handlers {
	return &Handlers{
		query:  make(map[string]QueryHandler),
		custom: make(map[string]CustomHandler),
	}
}

// HandleQuery registers h for queries whose payload has TL type name.
// Use DefaultHandler to catch everything else.
func (h *Handlers) HandleQuery(name string, handler QueryHandler) {
	h.mu.Lock()
	h.query[name] = handler
	h.mu.Unlock()
}

// HandleCustom registers h for custom messages whose payload has TL type name
func (h *Handlers) HandleCustom(name string, handler CustomHandler) {
	h.mu.Lock()
	h.custom[name] = handler
	h.mu.Unlock()
}

func (h *Handlers) queryHandler(name string) QueryHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if fn, ok := h.query[name]; ok {
		return fn
	}
	return h.query[DefaultHandler]
}

func (h *Handlers) customHandler(name string) CustomHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if fn, ok := h.custom[name]; ok {
		return fn
	}
	return h.custom[DefaultHandler]
}

// Dispatcher routes decoded messages: it answers pings, completes pending
// queries and pings, reassembles fragments and runs handlers on a bounded
// worker pool so the reader never blocks on application code.
type Dispatcher struct {
	reg       *tl.Registry
	logger    *zap.Logger
	metrics   *Metrics
	transport string

	handlers *Handlers
	workers  *semaphore.Weighted

	queries *pendingTable[protocol.QueryID, []byte]
	pings   *pendingTable[int64, struct{}]
	parts   *fragment.Reassembler

	// control receives messages the dispatcher does not route itself
	control func(ctx context.Context, src source, msg protocol.Message)

	ctx    context.Context
	cancel context.CancelFunc
}

func newDispatcher(transport string, handlers *Handlers, workers *semaphore.Weighted, o options) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		reg:       o.registry,
		logger:    o.logger,
		metrics:   o.metrics,
		transport: transport,
		handlers:  handlers,
		workers:   workers,
		queries:   newPendingTable[protocol.QueryID, []byte](),
		pings:     newPendingTable[int64, struct{}](),
		parts:     fragment.NewReassembler(fragment.DefaultCapacity, o.reassemblyTTL),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Dispatch handles one inbound message
func (d *Dispatcher) Dispatch(src source, msg protocol.Message) {
	d.metrics.dispatched(msg.TypeName())

	switch m := msg.(type) {
	case *protocol.Ping:
		if err := src.reply(d.ctx, &protocol.Pong{Value: m.Value}); err != nil {
			d.logger.Debug("Failed to send pong", zap.String("peer", src.peerID()), zap.Error(err))
		}

	case *protocol.Pong:
		if !d.pings.resolve(m.Value, src.peerID(), struct{}{}) {
			d.logger.Debug("Unsolicited pong", zap.String("peer", src.peerID()), zap.Int64("value", m.Value))
		}

	case *protocol.Answer:
		if !d.queries.resolve(m.ID, src.peerID(), m.Payload) {
			d.metrics.dropped(d.transport, "unknown_answer")
			d.logger.Debug("Answer for unknown query",
				zap.String("peer", src.peerID()), zap.String("query_id", m.ID.String()))
		}

	case *protocol.Query:
		d.runQuery(src, m)

	case *protocol.Custom:
		d.runCustom(src, m)

	case *protocol.Part:
		d.handlePart(src, m)

	case *protocol.Nop:

	case *protocol.Reinit:
		d.logger.Info("Peer reinitialized", zap.String("peer", src.peerID()), zap.Int32("date", m.Date))

	default:
		if d.control != nil {
			d.control(d.ctx, src, msg)
			return
		}
		d.logger.Debug("Ignoring message", zap.String("type", msg.TypeName()), zap.String("peer", src.peerID()))
	}
}

func (d *Dispatcher) handlePart(src source, p *protocol.Part) {
	data, err := d.parts.Add(src.peerID(), p)
	if err != nil {
		d.metrics.dropped(d.transport, "bad_part")
		d.logger.Debug("Dropping part", zap.String("peer", src.peerID()), zap.Error(err))
		return
	}
	if data == nil {
		return
	}

	msg, err := protocol.DecodeMessage(d.reg, data)
	if err != nil {
		d.metrics.dropped(d.transport, "bad_message")
		d.logger.Debug("Failed to decode reassembled message", zap.String("peer", src.peerID()), zap.Error(err))
		return
	}
	if _, nested := msg.(*protocol.Part); nested {
		d.metrics.dropped(d.transport, "nested_part")
		return
	}
	d.Dispatch(src, msg)
}

// payloadType names the boxed TL constructor at the start of payload
func (d *Dispatcher) payloadType(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	if s, ok := d.reg.LookupID(binary.LittleEndian.Uint32(payload)); ok {
		return s.Name
	}
	return ""
}

func (d *Dispatcher) request(src source, payload []byte) *Request {
	return &Request{
		Peer:    src.peerID(),
		Auth:    src.authKey(),
		Type:    d.payloadType(payload),
		Payload: payload,
	}
}

// spawn runs fn on the worker pool. A saturated pool drops the work
// instead of stalling the reader.
func (d *Dispatcher) spawn(kind string, fn func()) bool {
	if !d.workers.TryAcquire(1) {
		d.metrics.dropped(d.transport, "workers_busy")
		d.logger.Warn("Worker pool saturated, dropping message", zap.String("kind", kind))
		return false
	}
	go func() {
		defer d.workers.Release(1)
		fn()
	}()
	return true
}

func (d *Dispatcher) runQuery(src source, q *protocol.Query) {
	req := d.request(src, q.Payload)
	handler := d.handlers.queryHandler(req.Type)
	if handler == nil {
		d.logger.Debug("No query handler", zap.String("type", req.Type), zap.String("peer", req.Peer))
		return
	}

	d.spawn("query", func() {
		answer, err := handler(d.ctx, req)
		if err != nil {
			d.logger.Debug("Query handler failed",
				zap.String("type", req.Type), zap.String("peer", req.Peer), zap.Error(err))
			return
		}
		if err := src.reply(d.ctx, &protocol.Answer{ID: q.ID, Payload: answer}); err != nil {
			d.logger.Debug("Failed to send answer", zap.String("peer", req.Peer), zap.Error(err))
		}
	})
}

func (d *Dispatcher) runCustom(src source, c *protocol.Custom) {
	req := d.request(src, c.Payload)
	handler := d.handlers.customHandler(req.Type)
	if handler == nil {
		d.logger.Debug("No custom handler", zap.String("type", req.Type), zap.String("peer", req.Peer))
		return
	}
	d.spawn("custom", func() { handler(d.ctx, req) })
}

// expectAnswer registers a query before it is sent
func (d *Dispatcher) expectAnswer(id protocol.QueryID, owner string) (<-chan result[[]byte], error) {
	return d.queries.register(id, owner)
}

func (d *Dispatcher) awaitAnswer(ctx context.Context, id protocol.QueryID, ch <-chan result[[]byte], timeout time.Duration) ([]byte, error) {
	start := time.Now()
	answer, err := d.queries.wait(ctx, id, ch, timeout)
	d.metrics.request("query", resultLabel(err), time.Since(start))
	return answer, err
}

func (d *Dispatcher) expectPong(value int64, owner string) (<-chan result[struct{}], error) {
	return d.pings.register(value, owner)
}

func (d *Dispatcher) awaitPong(ctx context.Context, value int64, ch <-chan result[struct{}], timeout time.Duration) (time.Duration, error) {
	start := time.Now()
	_, err := d.pings.wait(ctx, value, ch, timeout)
	elapsed := time.Since(start)
	d.metrics.request("ping", resultLabel(err), elapsed)
	return elapsed, err
}

// Pending returns the number of outstanding queries and pings
func (d *Dispatcher) Pending() int {
	return d.queries.len() + d.pings.len()
}

// close fails every pending request with err and cancels the context
// handlers run under
func (d *Dispatcher) close(err error) {
	d.cancel()
	d.queries.failAll(err)
	d.pings.failAll(err)
}

func resultLabel(err error) string {
	switch err {
	case nil:
		return "ok"
	case ErrTimeout:
		return "timeout"
	case ErrClosed, ErrUnexpectedClose:
		return "closed"
	default:
		return "error"
	}
}
