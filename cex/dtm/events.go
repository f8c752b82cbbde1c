package dtm

import (
	"sync"

	"github.com/vtdev/cex/cex/dtm/packet"
)

// Severity tags a SessionError event.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// IdentityEvent carries the peer's identity for host acceptance. The
// handler calls Veto to refuse the peer; the exchange then tears down with
// a Service/Refusal.
type IdentityEvent struct {
	Peer   Identity
	OID    [OIDSize]byte
	vetoed bool
}

// Veto marks the peer as refused.
func (e *IdentityEvent) Veto() { e.vetoed = true }

// FileRequestEvent asks the host where to store an inbound transfer. The
// handler calls Accept with a destination path; leaving it unanswered
// declines the transfer.
type FileRequestEvent struct {
	ProposedName string
	TotalSize    int64
	path         string
	accepted     bool
}

// Accept stores the transfer under path.
func (e *FileRequestEvent) Accept(path string) {
	e.path = path
	e.accepted = true
}

// PacketInfo describes a frame for the PacketReceived/PacketSent events.
type PacketInfo struct {
	Type   packet.Type
	Flag   uint16
	Length int
}

// SessionInfo carries the SessionEstablished event payload.
type SessionInfo struct {
	ForwardFingerprint string
	ReturnFingerprint  string
}

// SessionError carries a fault surfaced to the host.
type SessionError struct {
	Severity Severity
	Err      error
}

// Events is the typed listener registry. Handlers are invoked on the
// endpoint's single dispatcher goroutine, in no defined order among the
// handlers of one event, and must not block; the identity and file-request hooks are the exception, invoked
// synchronously on the protocol path because their answers gate it.
type Events struct {
	mu     sync.Mutex
	nextID int

	identity    map[int]func(*IdentityEvent)
	fileRequest map[int]func(*FileRequestEvent)

	packetReceived map[int]func(PacketInfo)
	packetSent     map[int]func(PacketInfo)
	established    map[int]func(SessionInfo)
	data           map[int]func([]byte)
	fileReceived   map[int]func(string)
	sessionError   map[int]func(SessionError)
}

func newEvents() *Events {
	return &Events{
		identity:       map[int]func(*IdentityEvent){},
		fileRequest:    map[int]func(*FileRequestEvent){},
		packetReceived: map[int]func(PacketInfo){},
		packetSent:     map[int]func(PacketInfo){},
		established:    map[int]func(SessionInfo){},
		data:           map[int]func([]byte){},
		fileReceived:   map[int]func(string){},
		sessionError:   map[int]func(SessionError){},
	}
}

func (e *Events) subscribe() int {
	e.nextID++
	return e.nextID
}

// SubscribeIdentityReceived registers the identity acceptance hook.
func (e *Events) SubscribeIdentityReceived(fn func(*IdentityEvent)) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.subscribe()
	e.identity[id] = fn
	return id
}

// SubscribeFileRequest registers the file destination hook.
func (e *Events) SubscribeFileRequest(fn func(*FileRequestEvent)) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.subscribe()
	e.fileRequest[id] = fn
	return id
}

// SubscribePacketReceived registers a frame-arrival listener.
func (e *Events) SubscribePacketReceived(fn func(PacketInfo)) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.subscribe()
	e.packetReceived[id] = fn
	return id
}

// SubscribePacketSent registers a frame-departure listener.
func (e *Events) SubscribePacketSent(fn func(PacketInfo)) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.subscribe()
	e.packetSent[id] = fn
	return id
}

// SubscribeSessionEstablished registers an establishment listener.
func (e *Events) SubscribeSessionEstablished(fn func(SessionInfo)) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.subscribe()
	e.established[id] = fn
	return id
}

// SubscribeDataReceived registers a message payload listener.
func (e *Events) SubscribeDataReceived(fn func([]byte)) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.subscribe()
	e.data[id] = fn
	return id
}

// SubscribeFileReceived registers a completed-transfer listener.
func (e *Events) SubscribeFileReceived(fn func(string)) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.subscribe()
	e.fileReceived[id] = fn
	return id
}

// SubscribeSessionError registers a fault listener.
func (e *Events) SubscribeSessionError(fn func(SessionError)) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.subscribe()
	e.sessionError[id] = fn
	return id
}

// Unsubscribe removes a listener by the id its subscribe call returned.
func (e *Events) Unsubscribe(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.identity, id)
	delete(e.fileRequest, id)
	delete(e.packetReceived, id)
	delete(e.packetSent, id)
	delete(e.established, id)
	delete(e.data, id)
	delete(e.fileReceived, id)
	delete(e.sessionError, id)
}

func (e *Events) raiseIdentity(ev *IdentityEvent) {
	e.mu.Lock()
	fns := make([]func(*IdentityEvent), 0, len(e.identity))
	for _, fn := range e.identity {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (e *Events) raiseFileRequest(ev *FileRequestEvent) {
	e.mu.Lock()
	fns := make([]func(*FileRequestEvent), 0, len(e.fileRequest))
	for _, fn := range e.fileRequest {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// snapshot helpers used by the dispatcher.

func (e *Events) packetReceivedListeners() []func(PacketInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]func(PacketInfo), 0, len(e.packetReceived))
	for _, fn := range e.packetReceived {
		out = append(out, fn)
	}
	return out
}

func (e *Events) packetSentListeners() []func(PacketInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]func(PacketInfo), 0, len(e.packetSent))
	for _, fn := range e.packetSent {
		out = append(out, fn)
	}
	return out
}

func (e *Events) establishedListeners() []func(SessionInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]func(SessionInfo), 0, len(e.established))
	for _, fn := range e.established {
		out = append(out, fn)
	}
	return out
}

func (e *Events) dataListeners() []func([]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]func([]byte), 0, len(e.data))
	for _, fn := range e.data {
		out = append(out, fn)
	}
	return out
}

func (e *Events) fileReceivedListeners() []func(string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]func(string), 0, len(e.fileReceived))
	for _, fn := range e.fileReceived {
		out = append(out, fn)
	}
	return out
}

func (e *Events) sessionErrorListeners() []func(SessionError) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]func(SessionError), 0, len(e.sessionError))
	for _, fn := range e.sessionError {
		out = append(out, fn)
	}
	return out
}
