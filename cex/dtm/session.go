package dtm

import (
	"context"
	"time"

	"github.com/samber/oops"

	"github.com/vtdev/cex/cex/dtm/packet"
	"github.com/vtdev/cex/cex/keymat"
)

// seqAfter reports whether a is ahead of b in wrapping 32-bit sequence
// space.
func seqAfter(a, b uint32) bool {
	return a != b && a-b < 1<<31
}

// message fragment flags
const (
	msgFragment uint16 = 1
	msgFinal    uint16 = 2
)

func (e *Endpoint) startDispatcher() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case fn := <-e.dispatch:
				fn()
			case <-e.done:
				return
			}
		}
	}()
}

// startSessionLoops hands the connection to the read loop and moves frame
// consumption onto the processor goroutine.
func (e *Endpoint) startSessionLoops() {
	_ = e.conn.SetReadDeadline(time.Time{})
	e.recvFrame = e.recvQueued
	now := time.Now().UnixNano()
	e.lastRecv.Store(now)
	e.lastSent.Store(now)

	e.wg.Add(1)
	go e.readLoop()
	e.wg.Add(1)
	go e.processorLoop()
	if e.cfg.KeepAliveInterval > 0 {
		e.wg.Add(1)
		go e.keepAliveLoop()
	}
}

func (e *Endpoint) readLoop() {
	defer e.wg.Done()
	defer close(e.inbound)
	for {
		p, err := packet.Read(e.conn, e.maxPayload())
		if err != nil {
			select {
			case <-e.done:
			default:
				e.readFail.Store(err)
			}
			return
		}
		e.lastRecv.Store(time.Now().UnixNano())
		select {
		case e.inbound <- p:
		case <-e.done:
			return
		}
	}
}

func (e *Endpoint) processorLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case res := <-e.rekeyReq:
			err := e.rekeyInitiator()
			if err != nil {
				e.shutdown(err, false)
			}
			res <- err
		case p, ok := <-e.inbound:
			if !ok {
				err, _ := e.readFail.Load().(error)
				if err != nil {
					e.shutdown(oops.Wrapf(err, "dtm: session read failed"), false)
				} else {
					e.shutdown(nil, false)
				}
				return
			}
			e.processFrame(p)
		}
	}
}

// processFrame enforces the per-direction sequence discipline: in-order
// frames are applied, frames ahead are buffered up to the window, and a gap
// that persists past the round-trip bound triggers a resend request.
func (e *Endpoint) processFrame(p packet.Packet) {
	switch {
	case p.Sequence == e.rxSeq:
		e.rxSeq++
		e.gapSince = time.Time{}
		e.applyFrame(p)
		for {
			next, ok := e.pending[e.rxSeq]
			if !ok {
				break
			}
			delete(e.pending, e.rxSeq)
			e.rxSeq++
			e.applyFrame(next)
		}
	case seqAfter(p.Sequence, e.rxSeq):
		if len(e.pending) >= seqWindow {
			e.shutdown(oops.Wrapf(ErrProtocol, "dtm: reorder window exhausted"), false)
			return
		}
		e.pending[p.Sequence] = p
		if e.gapSince.IsZero() {
			e.gapSince = time.Now()
		} else if time.Since(e.gapSince) > rttMax {
			_ = e.sendPacket(packet.Service, uint16(packet.Resend), uint64(e.rxSeq), nil)
			e.gapSince = time.Now()
		}
	default:
		// Duplicate of an already applied frame.
	}
}

func (e *Endpoint) applyFrame(p packet.Packet) {
	e.emitPacketReceived(PacketInfo{Type: p.Type, Flag: p.Flag, Length: len(p.Payload)})
	e.handleSessionFrame(p, false)
}

// handleSessionFrame dispatches one in-order frame. locked is set when the
// caller already holds sendMu (a resync in progress on this goroutine);
// replies then use the locked send path.
func (e *Endpoint) handleSessionFrame(p packet.Packet, locked bool) {
	switch p.Type {
	case packet.Service:
		e.handleService(p, locked)
	case packet.Message:
		e.handleMessage(p)
	case packet.Transfer:
		e.handleTransfer(p, locked)
	default:
		e.emitSessionError(SeverityWarning, oops.Wrapf(ErrProtocol, "dtm: unexpected %s frame", p.Type))
		e.reply(locked, packet.Service, uint16(packet.OutOfSequence), uint64(p.Sequence))
	}
}

func (e *Endpoint) reply(locked bool, t packet.Type, flag uint16, option uint64) {
	if locked {
		_, _ = e.sendPacketLocked(t, flag, option, nil)
		return
	}
	_ = e.sendPacket(t, flag, option, nil)
}

func (e *Endpoint) handleService(p packet.Packet, locked bool) {
	switch packet.ServiceFlag(p.Flag) {
	case packet.KeepAlive:
		e.reply(locked, packet.Service, uint16(packet.Echo), p.OptionFlag)
	case packet.Echo:
		// lastRecv already advanced by the read loop
	case packet.Resend:
		if locked {
			e.retransmitLockedFrom(uint32(p.OptionFlag))
		} else {
			e.retransmitFrom(uint32(p.OptionFlag))
		}
	case packet.Terminate, packet.Disconnected:
		e.shutdown(nil, false)
	case packet.Refusal:
		e.abortOutboundFile()
		e.emitSessionError(SeverityWarning, ErrFileRefused)
	case packet.Resync:
		if locked {
			// A resync is already running on this goroutine.
			e.emitSessionError(SeverityWarning, oops.Wrapf(ErrProtocol, "dtm: resync during resync"))
			return
		}
		if err := e.rekeyResponder(); err != nil {
			e.shutdown(err, false)
		}
	case packet.OutOfSequence, packet.DataLost:
		e.emitSessionError(SeverityWarning, oops.Wrapf(ErrProtocol, "dtm: peer reported %s", packet.ServiceFlag(p.Flag)))
	}
}

func (e *Endpoint) handleMessage(p packet.Packet) {
	plain, err := e.prim.rx.Open(adBytes(p.Type, p.Sequence, p.Flag, p.OptionFlag), p.Payload)
	if err != nil {
		e.shutdown(ErrAuthenticationFailed, false)
		return
	}
	if int64(len(e.msgAssembly)+len(plain)) > e.cfg.MaxAllocation {
		e.msgAssembly = nil
		e.shutdown(ErrPayloadTooLarge, false)
		return
	}
	e.msgAssembly = append(e.msgAssembly, plain...)
	if p.Flag != msgFinal {
		return
	}
	body, err := unpad(e.msgAssembly)
	e.msgAssembly = nil
	if err != nil {
		e.emitSessionError(SeverityError, oops.Wrapf(ErrProtocol, "dtm: malformed message padding"))
		return
	}
	fns := e.events.dataListeners()
	e.emit(func() {
		for _, fn := range fns {
			fn(body)
		}
	})
}

// Send encrypts payload and transmits it as one or more Message frames,
// with the parameter set's bounded padding and randomized delay.
func (e *Endpoint) Send(payload []byte) error {
	if s := e.State(); s != StateEstablished && s != StateRekeying {
		return ErrNotEstablished
	}
	e.randomDelay(e.cfg.Params.Delays.Message, false)
	padded := e.pad(payload, e.cfg.Params.Padding.Message)

	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	ts := uint64(time.Now().Unix())
	for off := 0; off < len(padded); off += e.cfg.ChunkSize {
		end := off + e.cfg.ChunkSize
		flag := msgFragment
		if end >= len(padded) {
			end = len(padded)
			flag = msgFinal
		}
		if err := e.sendSealedLocked(e.prim.tx, packet.Message, flag, ts, padded[off:end]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Endpoint) keepAliveLoop() {
	defer e.wg.Done()
	interval := e.cfg.KeepAliveInterval
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			now := time.Now()
			if now.UnixNano()-e.lastRecv.Load() > int64(3*interval) {
				e.shutdown(oops.Wrapf(ErrExchangeTimeout, "dtm: peer silent past keep-alive limit"), false)
				return
			}
			if now.UnixNano()-e.lastSent.Load() >= int64(interval) {
				_ = e.sendPacket(packet.Service, uint16(packet.KeepAlive), uint64(now.Unix()), nil)
			}
		}
	}
}

// Rekey re-runs the primary phase in-session and atomically swaps the
// session ciphers. Either side may call it while established.
func (e *Endpoint) Rekey(ctx context.Context) error {
	if e.State() != StateEstablished {
		return ErrNotEstablished
	}
	res := make(chan error, 1)
	select {
	case e.rekeyReq <- res:
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-res:
		return err
	case <-e.done:
		return ErrClosed
	}
}

func (e *Endpoint) resyncSpec() (phaseSpec, error) {
	scheme, err := kemByID(e.cfg.Params.PrimaryPkeID)
	if err != nil {
		return phaseSpec{}, err
	}
	return phaseSpec{
		scheme:   scheme,
		desc:     e.cfg.Params.PrimarySession,
		label:    "dtm-resync-v1",
		keyFlag:  packet.PrePrimary,
		exFlag:   packet.PrimeEx,
		estFlag:  packet.PrimaryEstablished,
		delayKey: e.cfg.Params.Delays.AsmKey,
		delaySym: e.cfg.Params.Delays.SymKey,
	}, nil
}

// rekeyInitiator runs on the processor goroutine so it can consume inbound
// exchange frames without racing the session dispatch.
func (e *Endpoint) rekeyInitiator() error {
	spec, err := e.resyncSpec()
	if err != nil {
		return err
	}
	e.setState(StateRekeying)
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	defer e.setState(StateEstablished)

	if _, err := e.sendPacketLocked(packet.Service, uint16(packet.Resync), uint64(time.Now().Unix()), nil); err != nil {
		return err
	}
	return e.runResync(spec, true)
}

func (e *Endpoint) rekeyResponder() error {
	spec, err := e.resyncSpec()
	if err != nil {
		return err
	}
	e.setState(StateRekeying)
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	defer e.setState(StateEstablished)
	return e.runResync(spec, false)
}

// runResync executes the phase with sends already serialized by the held
// lock and swaps the primary pair on success.
func (e *Endpoint) runResync(spec phaseSpec, initiated bool) error {
	pair, err := e.runPhase(e.prim, spec)
	if err != nil {
		log.WithField("initiated", initiated).WithField("err", err.Error()).Debug("resync failed")
		return err
	}
	old := e.prim
	oldKey := e.xferMacKey
	e.prim = pair
	e.xferMacKey = pair.extra
	old.Zeroize()
	keymat.Zero(oldKey)
	log.WithField("forward", pair.txFingerprint).Debug("session rekeyed")
	return nil
}
