package kernel

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"cogkernel/internal/errkind"
	"cogkernel/internal/logging"
	"cogkernel/internal/model"
)

// IngestItem is one queued record_event call awaiting a worker.
type IngestItem struct {
	ProjectID int64
	Event     model.Event
}

// Queue is the bounded, drop-oldest ingestion buffer spec.md §8 scenario
// 1/6 exercises: once Capacity items are queued, Push evicts the oldest
// entry to make room rather than blocking the producer. This in-process
// mutex-guarded slice buffer — not NATS — is the actual backpressure mechanism;
// the embedded Bus alongside it is a transport, not a queue.
type Queue struct {
	mu       sync.Mutex
	items    []IngestItem
	capacity int
	dropped  atomic.Int64
}

// NewQueue builds a Queue bounded to capacity (spec.md §6's
// ingest.queue_capacity, default 10000).
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Queue{capacity: capacity}
}

// Push appends item, evicting the oldest queued item first if the queue is
// already at capacity. Returns true if an eviction happened.
func (q *Queue) Push(item IngestItem) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := false
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
		q.dropped.Add(1)
		evicted = true
	}
	q.items = append(q.items, item)
	return evicted
}

// Pop removes and returns the oldest queued item, if any.
func (q *Queue) Pop() (IngestItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return IngestItem{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Len reports the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped reports the cumulative count of drop-oldest evictions.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Bus is the embedded core-NATS event-bus transport external adapters
// publish ingest events onto, grounded in ODSapper-CLIAIRMONITOR's embedded
// nats-server pattern. It is JetStream-free: a subject per project, no
// persistence — durability is the Queue's job, not the bus's. NATS
// unavailability degrades ingestion to direct Dispatch calls; it never
// blocks them.
type Bus struct {
	server *natsserver.Server
	conn   *nats.Conn
	queue  *Queue
}

// BusOptions configures the embedded NATS server. Port 0 lets the OS
// assign an ephemeral port, the right default for tests and for a kernel
// that only talks to itself.
type BusOptions struct {
	Port int
}

// StartBus starts an embedded NATS server and connects a client to it,
// wiring every "cogkernel.ingest.*" subject to queue.
func StartBus(opts BusOptions, queue *Queue) (*Bus, error) {
	port := opts.Port
	if port == 0 {
		// nats-server reads 0 as its default port; RANDOM_PORT asks for an
		// ephemeral one.
		port = natsserver.RANDOM_PORT
	}
	natsOpts := &natsserver.Options{
		Port:     port,
		HTTPPort: -1,
		NoLog:    true,
		NoSigs:   true,
	}

	server, err := natsserver.NewServer(natsOpts)
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, "ingest bus: create embedded NATS server", err)
	}

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		return nil, errkind.New(errkind.Internal, "ingest bus: embedded NATS server failed to start in time")
	}

	conn, err := nats.Connect(server.ClientURL())
	if err != nil {
		server.Shutdown()
		return nil, errkind.Wrap(errkind.Internal, "ingest bus: connect to embedded NATS server", err)
	}

	bus := &Bus{server: server, conn: conn, queue: queue}
	if _, err := conn.Subscribe("cogkernel.ingest.>", bus.onMessage); err != nil {
		bus.Close()
		return nil, errkind.Wrap(errkind.Internal, "ingest bus: subscribe", err)
	}

	logging.Get(logging.CategoryIngest).Info("embedded NATS ingestion bus listening on %s", server.ClientURL())
	return bus, nil
}

func (b *Bus) onMessage(msg *nats.Msg) {
	item, err := decodeIngestItem(msg.Data)
	if err != nil {
		logging.Get(logging.CategoryIngest).Warn("ingest bus: dropping malformed message on %s: %v", msg.Subject, err)
		return
	}
	if evicted := b.queue.Push(item); evicted {
		logging.Get(logging.CategoryIngest).Warn("ingest queue at capacity, dropped oldest item (project %d)", item.ProjectID)
	}
}

// Publish encodes and publishes item to its project's subject. It is the
// one place anything in-process needs to reach for a raw *nats.Conn rather
// than calling Dispatch directly — used by adapters that want the
// at-least-queued semantics of the bus rather than a synchronous call.
func (b *Bus) Publish(item IngestItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return errkind.Wrap(errkind.Internal, "ingest bus: encode", err)
	}
	if err := b.conn.Publish(Subject(item.ProjectID), data); err != nil {
		return errkind.Wrap(errkind.Internal, "ingest bus: publish", err)
	}
	return nil
}

func decodeIngestItem(data []byte) (IngestItem, error) {
	var item IngestItem
	if err := json.Unmarshal(data, &item); err != nil {
		return IngestItem{}, err
	}
	return item, nil
}

// Subject returns the per-project core-NATS subject events for projectID
// publish to.
func Subject(projectID int64) string {
	return fmt.Sprintf("cogkernel.ingest.%d", projectID)
}

// ClientURL returns the embedded server's connection URL, for adapters
// running in the same process that want their own *nats.Conn.
func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

// Close drains the client connection and shuts the embedded server down.
func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
	if b.server != nil {
		b.server.Shutdown()
	}
}
