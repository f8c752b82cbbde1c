// Package dtm implements the Deferred Trust Model key exchange and the
// encrypted session transport that follows it.
//
// Two endpoints with symmetric roles run a two-phase exchange: an
// authentication phase that produces wrap ciphers, then a primary phase,
// tunneled through the wrap ciphers, that produces the session ciphers.
// Identity packets travel under keys derived from an out-of-band domain
// secret, so a peer is identified before any asymmetric work is spent on
// it. Once established, the transport carries messages and chunked file
// transfers, with padding and randomized delays bounded by the negotiated
// parameter set.
package dtm

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vtdev/cex/cex/dtm/packet"
	"github.com/vtdev/cex/cex/primitive"
	"github.com/vtdev/cex/cex/transfer"
)

var log = logrus.WithField("pkg", "dtm")

// Conn is the stream the session runs over. net.Conn and QUIC streams both
// satisfy it.
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// Role selects which side of the exchange an endpoint drives.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// State is the session lifecycle position.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateAuthExchanging
	StateAuthEstablished
	StatePrimaryExchanging
	StateEstablished
	StateRekeying
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateConnecting:
		return "CONNECTING"
	case StateAuthExchanging:
		return "AUTH_EXCHANGING"
	case StateAuthEstablished:
		return "AUTH_ESTABLISHED"
	case StatePrimaryExchanging:
		return "PRIMARY_EXCHANGING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateRekeying:
		return "REKEYING"
	default:
		return "UNKNOWN"
	}
}

const (
	// seqWindow is how many frames ahead of the expected sequence the
	// receiver will buffer before declaring the stream lost.
	seqWindow = 256
	// rttMax is how long a sequence gap may persist before a resend
	// request is issued.
	rttMax = 500 * time.Millisecond

	defaultExchangeTimeout = 30 * time.Second
	defaultKeepAlive       = 10 * time.Second
	defaultChunkSize       = 64 * 1024
)

// Config carries the host's session settings.
type Config struct {
	Params        Parameters
	LocalIdentity Identity
	// DomainSecret is the out-of-band shared secret that keys the
	// pre-auth identity wrap.
	DomainSecret []byte
	// MaxAllocation bounds message reassembly and the size of a received
	// file. A single frame's payload bound is MaxAllocation but never less
	// than minFramePayload (256 KiB). It has no default: a zero value is
	// rejected so a hostile peer cannot lean on an implicit limit.
	MaxAllocation int64
	// ExchangeTimeout bounds each blocking read during the exchange.
	ExchangeTimeout time.Duration
	// KeepAliveInterval spaces idle keep-alive frames; silence for three
	// intervals terminates the session. Negative disables.
	KeepAliveInterval time.Duration
	// ChunkSize bounds a single message or transfer fragment.
	ChunkSize int
	// Compression is applied to file-transfer chunks.
	Compression transfer.CompressionLevel
	// FecDataShards/FecParityShards enable Reed-Solomon parity frames on
	// file transfers when both are positive.
	FecDataShards   int
	FecParityShards int
}

var ErrConfig = errors.New("dtm: invalid configuration")

func (c *Config) normalize() error {
	if c.MaxAllocation <= 0 {
		return ErrConfig
	}
	if len(c.DomainSecret) == 0 {
		return ErrConfig
	}
	if c.ExchangeTimeout <= 0 {
		c.ExchangeTimeout = defaultExchangeTimeout
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = defaultKeepAlive
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = defaultChunkSize
	}
	return nil
}

// Endpoint is one side of a DTM session.
type Endpoint struct {
	cfg       Config
	conn      Conn
	initiator bool
	events    *Events
	prng      primitive.Prng

	state atomic.Int32

	sendMu    sync.Mutex
	txSeq     uint32
	sendCache map[uint32][]byte
	cacheSeqs []uint32

	rxSeq    uint32
	pending  map[uint32]packet.Packet
	gapSince time.Time

	pre  *channelPair
	auth *channelPair
	prim *channelPair

	// recvFrame is swapped from the direct connection reader to the
	// inbound-queue reader once the session loops start.
	recvFrame func(timeout time.Duration) (packet.Packet, error)

	inbound  chan packet.Packet
	readFail atomic.Value // error
	dispatch chan func()
	rekeyReq chan chan error
	done     chan struct{}
	closeOnce sync.Once
	zeroOnce  sync.Once
	wg        sync.WaitGroup

	lastRecv atomic.Int64
	lastSent atomic.Int64

	msgAssembly []byte
	fileRx      *inboundFile
	fileAbort   atomic.Bool
	xferMacKey  []byte
}

// NewEndpoint wraps a connected stream. The exchange does not start until
// Establish is called, which gives the host time to subscribe to events.
func NewEndpoint(conn Conn, role Role, cfg Config) (*Endpoint, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	prng, err := primitive.NewPrng(cfg.Params.RandomKind)
	if err != nil {
		return nil, err
	}
	e := &Endpoint{
		cfg:       cfg,
		conn:      conn,
		initiator: role == RoleInitiator,
		events:    newEvents(),
		prng:      prng,
		sendCache: make(map[uint32][]byte),
		pending:   make(map[uint32]packet.Packet),
		inbound:   make(chan packet.Packet, seqWindow),
		dispatch:  make(chan func(), 512),
		rekeyReq:  make(chan chan error),
		done:      make(chan struct{}),
	}
	e.recvFrame = e.recvDirect
	e.state.Store(int32(StateClosed))
	return e, nil
}

// Events returns the endpoint's listener registry.
func (e *Endpoint) Events() *Events { return e.events }

// State returns the current lifecycle state.
func (e *Endpoint) State() State { return State(e.state.Load()) }

func (e *Endpoint) setState(s State) { e.state.Store(int32(s)) }

// minFramePayload keeps exchange frames decodable even when the host sets
// a tight reassembly bound; MaxAllocation governs reassembly, not a single
// frame's envelope.
const minFramePayload = 1 << 18

func (e *Endpoint) maxPayload() uint32 {
	if e.cfg.MaxAllocation > int64(^uint32(0)) {
		return ^uint32(0)
	}
	if e.cfg.MaxAllocation < minFramePayload {
		return minFramePayload
	}
	return uint32(e.cfg.MaxAllocation)
}

// adBytes is the authenticated header context for a sealed frame.
func adBytes(t packet.Type, seq uint32, flag uint16, option uint64) []byte {
	var b [15]byte
	b[0] = byte(t)
	b[1] = byte(seq)
	b[2] = byte(seq >> 8)
	b[3] = byte(seq >> 16)
	b[4] = byte(seq >> 24)
	b[5] = byte(flag)
	b[6] = byte(flag >> 8)
	for i := 0; i < 8; i++ {
		b[7+i] = byte(option >> (8 * i))
	}
	return b[:]
}

// sendPacketLocked assigns the next sequence number, caches the encoding
// for retransmission and writes the frame. Callers hold sendMu.
func (e *Endpoint) sendPacketLocked(t packet.Type, flag uint16, option uint64, payload []byte) (uint32, error) {
	p := packet.Packet{Type: t, Sequence: e.txSeq, Flag: flag, OptionFlag: option, Payload: payload}
	e.txSeq++
	buf := p.Encode()
	e.sendCache[p.Sequence] = buf
	e.cacheSeqs = append(e.cacheSeqs, p.Sequence)
	if len(e.cacheSeqs) > seqWindow {
		delete(e.sendCache, e.cacheSeqs[0])
		e.cacheSeqs = e.cacheSeqs[1:]
	}
	if _, err := e.conn.Write(buf); err != nil {
		return p.Sequence, err
	}
	e.lastSent.Store(time.Now().UnixNano())
	e.emitPacketSent(PacketInfo{Type: t, Flag: flag, Length: len(payload)})
	return p.Sequence, nil
}

func (e *Endpoint) sendPacket(t packet.Type, flag uint16, option uint64, payload []byte) error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	_, err := e.sendPacketLocked(t, flag, option, payload)
	return err
}

// sendSealedLocked seals plain under ch and transmits it.
func (e *Endpoint) sendSealedLocked(ch *channel, t packet.Type, flag uint16, option uint64, plain []byte) error {
	sealed, err := ch.Seal(adBytes(t, e.txSeq, flag, option), plain)
	if err != nil {
		return err
	}
	_, err = e.sendPacketLocked(t, flag, option, sealed)
	return err
}

// retransmitFrom rewrites every cached frame at or after seq.
func (e *Endpoint) retransmitFrom(seq uint32) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	e.retransmitLockedFrom(seq)
}

func (e *Endpoint) retransmitLockedFrom(seq uint32) {
	for _, s := range e.cacheSeqs {
		if s >= seq {
			if buf, ok := e.sendCache[s]; ok {
				if _, err := e.conn.Write(buf); err != nil {
					return
				}
			}
		}
	}
}

// recvDirect reads one frame straight off the connection, used before the
// session loops exist.
func (e *Endpoint) recvDirect(timeout time.Duration) (packet.Packet, error) {
	if err := e.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return packet.Packet{}, err
	}
	p, err := packet.Read(e.conn, e.maxPayload())
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return packet.Packet{}, ErrExchangeTimeout
		}
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return packet.Packet{}, ErrExchangeTimeout
		}
		return packet.Packet{}, err
	}
	e.lastRecv.Store(time.Now().UnixNano())
	return p, nil
}

// recvQueued reads one frame from the inbound queue, used by the processor
// goroutine once the read loop owns the connection.
func (e *Endpoint) recvQueued(timeout time.Duration) (packet.Packet, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p, ok := <-e.inbound:
		if !ok {
			if err, _ := e.readFail.Load().(error); err != nil {
				return packet.Packet{}, err
			}
			return packet.Packet{}, ErrClosed
		}
		return p, nil
	case <-e.done:
		return packet.Packet{}, ErrClosed
	case <-timer.C:
		return packet.Packet{}, ErrExchangeTimeout
	}
}

// pad wraps body with bounded random prefix and suffix bytes:
//
//	2 bytes: prefix length
//	4 bytes: body length
//	N bytes: prefix, body, suffix
func (e *Endpoint) pad(body []byte, b Bound) []byte {
	pre := e.randomBounded(uint32(b.Pre))
	post := e.randomBounded(uint32(b.Post))
	out := make([]byte, 0, 6+int(pre)+len(body)+int(post))
	out = append(out, byte(pre), byte(pre>>8))
	out = append(out, byte(len(body)), byte(len(body)>>8), byte(len(body)>>16), byte(len(body)>>24))
	fill := make([]byte, int(pre)+int(post))
	_ = e.prng.Fill(fill)
	out = append(out, fill[:pre]...)
	out = append(out, body...)
	out = append(out, fill[pre:]...)
	return out
}

var errPadding = errors.New("dtm: malformed padded payload")

func unpad(p []byte) ([]byte, error) {
	if len(p) < 6 {
		return nil, errPadding
	}
	pre := int(p[0]) | int(p[1])<<8
	n := int(p[2]) | int(p[3])<<8 | int(p[4])<<16 | int(p[5])<<24
	if len(p) < 6+pre+n {
		return nil, errPadding
	}
	return append([]byte(nil), p[6+pre:6+pre+n]...), nil
}

// randomBounded draws uniformly from [0, max].
func (e *Endpoint) randomBounded(max uint32) uint32 {
	if max == 0 {
		return 0
	}
	v, err := e.prng.NextUint32()
	if err != nil {
		return 0
	}
	return v % (max + 1)
}

// randomDelay sleeps a uniform duration in [maxMs/2, maxMs] when half is
// set, otherwise [0, maxMs].
func (e *Endpoint) randomDelay(maxMs uint32, half bool) {
	if maxMs == 0 {
		return
	}
	var ms uint32
	if half {
		ms = maxMs/2 + e.randomBounded(maxMs-maxMs/2)
	} else {
		ms = e.randomBounded(maxMs)
	}
	if ms > 0 {
		time.Sleep(time.Duration(ms) * time.Millisecond)
	}
}

func (e *Endpoint) emit(fn func()) {
	select {
	case e.dispatch <- fn:
	case <-e.done:
	}
}

func (e *Endpoint) emitPacketSent(info PacketInfo) {
	fns := e.events.packetSentListeners()
	if len(fns) == 0 {
		return
	}
	e.emit(func() {
		for _, fn := range fns {
			fn(info)
		}
	})
}

func (e *Endpoint) emitPacketReceived(info PacketInfo) {
	fns := e.events.packetReceivedListeners()
	if len(fns) == 0 {
		return
	}
	e.emit(func() {
		for _, fn := range fns {
			fn(info)
		}
	})
}

func (e *Endpoint) emitSessionError(sev Severity, err error) {
	fns := e.events.sessionErrorListeners()
	if len(fns) == 0 {
		return
	}
	e.emit(func() {
		for _, fn := range fns {
			fn(SessionError{Severity: sev, Err: err})
		}
	})
}

// Disconnect tears the session down: a best-effort Service/Terminate, the
// connection closed, the worker goroutines joined, and every session key
// zeroized. It is safe to call at any time and more than once.
func (e *Endpoint) Disconnect() {
	e.shutdown(nil, true)
}

func (e *Endpoint) shutdown(cause error, wait bool) {
	e.closeOnce.Do(func() {
		if e.State() == StateEstablished {
			_ = e.sendPacket(packet.Service, uint16(packet.Terminate), uint64(time.Now().Unix()), nil)
		}
		if cause != nil {
			log.WithField("cause", cause.Error()).Debug("session shutting down")
			e.emitSessionError(SeverityFatal, cause)
		}
		e.setState(StateClosed)
		close(e.done)
		_ = e.conn.Close()
	})
	if wait {
		e.wg.Wait()
		e.zeroizeAll()
	} else {
		go func() {
			e.wg.Wait()
			e.zeroizeAll()
		}()
	}
}

func (e *Endpoint) zeroizeAll() {
	e.zeroOnce.Do(func() {
		e.pre.Zeroize()
		e.auth.Zeroize()
		e.prim.Zeroize()
		if e.xferMacKey != nil {
			for i := range e.xferMacKey {
				e.xferMacKey[i] = 0
			}
		}
	})
}

// KeysZeroed reports whether every retained session key buffer has been
// wiped; it only means something after Disconnect.
func (e *Endpoint) KeysZeroed() bool {
	pairs := []*channelPair{e.pre, e.auth, e.prim}
	for _, p := range pairs {
		if p == nil {
			continue
		}
		if !p.tx.zeroed() || !p.rx.zeroed() {
			return false
		}
	}
	return true
}
