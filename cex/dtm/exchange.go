package dtm

import (
	"context"
	"crypto/subtle"

	"github.com/samber/oops"

	"github.com/vtdev/cex/cex/dtm/packet"
	"github.com/vtdev/cex/cex/keymat"
	"github.com/vtdev/cex/cex/primitive"
)

// phaseSpec parameterizes one key agreement round; the auth phase, the
// primary phase and a resync all run the same machinery.
type phaseSpec struct {
	scheme   kemScheme
	desc     primitive.CipherDescription
	label    string
	keyFlag  packet.ExchangeFlag
	exFlag   packet.ExchangeFlag
	estFlag  packet.ExchangeFlag
	delayKey uint32
	delaySym uint32
}

// Establish drives the exchange to completion and starts the session
// loops. On any failure the endpoint is closed with its keys zeroized.
func (e *Endpoint) Establish(ctx context.Context) error {
	e.setState(StateConnecting)
	e.startDispatcher()

	e.sendMu.Lock()
	err := e.runExchange(ctx)
	e.sendMu.Unlock()
	if err != nil {
		e.shutdown(nil, true)
		return err
	}

	e.setState(StateEstablished)
	e.startSessionLoops()

	info := SessionInfo{ForwardFingerprint: e.prim.txFingerprint, ReturnFingerprint: e.prim.rxFingerprint}
	fns := e.events.establishedListeners()
	e.emit(func() {
		for _, fn := range fns {
			fn(info)
		}
	})
	log.WithField("forward", info.ForwardFingerprint).Debug("session established")
	return nil
}

// runExchange performs both phases. The caller holds sendMu; before the
// session loops exist nothing else touches the connection.
func (e *Endpoint) runExchange(ctx context.Context) error {
	pre, err := derivePreAuthPair(e.cfg.Params.AuthSession, e.cfg.DomainSecret, e.initiator)
	if err != nil {
		return err
	}
	e.pre = pre

	peer, err := e.exchangeIdentities(pre)
	if err != nil {
		return err
	}
	log.WithField("peer", Fingerprint(peer.Identity)).Debug("peer identity accepted")
	if err := ctx.Err(); err != nil {
		return err
	}

	e.setState(StateAuthExchanging)
	authScheme, err := kemByID(e.cfg.Params.AuthPkeID)
	if err != nil {
		return err
	}
	auth, err := e.runPhase(pre, phaseSpec{
		scheme:  authScheme,
		desc:    e.cfg.Params.AuthSession,
		label:   "dtm-auth-v1",
		keyFlag: packet.PreAuth,
		exFlag:  packet.AuthEx,
		estFlag: packet.AuthEstablished,
	})
	if err != nil {
		return err
	}
	e.auth = auth
	e.setState(StateAuthEstablished)

	// The pre-auth wrap has done its job.
	e.pre.Zeroize()
	if err := ctx.Err(); err != nil {
		return err
	}

	e.setState(StatePrimaryExchanging)
	primScheme, err := kemByID(e.cfg.Params.PrimaryPkeID)
	if err != nil {
		return err
	}
	prim, err := e.runPhase(auth, phaseSpec{
		scheme:   primScheme,
		desc:     e.cfg.Params.PrimarySession,
		label:    "dtm-primary-v1",
		keyFlag:  packet.PrePrimary,
		exFlag:   packet.PrimeEx,
		estFlag:  packet.PrimaryEstablished,
		delayKey: e.cfg.Params.Delays.AsmKey,
		delaySym: e.cfg.Params.Delays.SymKey,
	})
	if err != nil {
		return err
	}
	e.prim = prim
	e.xferMacKey = prim.extra

	// Close out the exchange under the new session ciphers, then drop the
	// auth keys: they exist only to wrap the primary phase.
	if _, err := e.swapSealed(prim, packet.Established, nil); err != nil {
		return err
	}
	e.auth.Zeroize()
	return nil
}

// exchangeIdentities swaps identity frames under the pre-auth wrap and
// gives the host its veto.
func (e *Endpoint) exchangeIdentities(pre *channelPair) (Identity, error) {
	body := e.pad(e.cfg.LocalIdentity.AppendBinary(nil), e.cfg.Params.Padding.AsmParams)

	accept := func(raw []byte) (Identity, error) {
		inner, err := unpad(raw)
		if err != nil {
			return Identity{}, ErrProtocol
		}
		id, err := ParseIdentity(inner)
		if err != nil {
			return Identity{}, ErrProtocol
		}
		ev := &IdentityEvent{Peer: id, OID: e.cfg.Params.OID}
		e.events.raiseIdentity(ev)
		if ev.vetoed {
			_, _ = e.sendPacketLocked(packet.Service, uint16(packet.Refusal), 0, nil)
			return Identity{}, ErrHostVetoed
		}
		return id, nil
	}

	if e.initiator {
		if err := e.sendSealedLocked(pre.tx, packet.Exchange, uint16(packet.Connect), 0, body); err != nil {
			return Identity{}, err
		}
		raw, err := e.recvOpened(pre.rx, packet.Init)
		if err != nil {
			return Identity{}, err
		}
		return accept(raw)
	}
	raw, err := e.recvOpened(pre.rx, packet.Connect)
	if err != nil {
		return Identity{}, err
	}
	id, err := accept(raw)
	if err != nil {
		return Identity{}, err
	}
	if err := e.sendSealedLocked(pre.tx, packet.Exchange, uint16(packet.Init), 0, body); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// runPhase executes one key agreement round through the wrap channels and
// returns the fresh channel pair. The caller holds sendMu.
func (e *Endpoint) runPhase(wrap *channelPair, spec phaseSpec) (*channelPair, error) {
	priv, pub, err := spec.scheme.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	defer priv.Destroy()

	e.randomDelay(spec.delayKey, true)
	peerPubRaw, err := e.swapSealedRaw(wrap, spec.keyFlag, e.pad(pub, e.cfg.Params.Padding.AsmKey))
	if err != nil {
		return nil, err
	}
	peerPub, err := unpad(peerPubRaw)
	if err != nil {
		return nil, ErrProtocol
	}
	if len(peerPub) != spec.scheme.PublicKeySize() {
		return nil, ErrAuthenticationFailed
	}

	myShared, ct, err := spec.scheme.Encapsulate(peerPub)
	if err != nil {
		return nil, err
	}
	defer keymat.Zero(myShared)

	e.randomDelay(spec.delaySym, true)
	peerCtRaw, err := e.swapSealedRaw(wrap, spec.exFlag, e.pad(ct, e.cfg.Params.Padding.SymKey))
	if err != nil {
		return nil, err
	}
	peerCt, err := unpad(peerCtRaw)
	if err != nil {
		return nil, ErrProtocol
	}
	theirShared, err := priv.Decapsulate(peerCt)
	if err != nil {
		return nil, err
	}
	defer keymat.Zero(theirShared)

	initSecret, respSecret := myShared, theirShared
	if !e.initiator {
		initSecret, respSecret = theirShared, myShared
	}
	pair, confirm, err := deriveChannelPair(spec.desc, initSecret, respSecret, spec.label, e.initiator)
	if err != nil {
		return nil, err
	}
	defer keymat.Zero(confirm)

	peerConfirm, err := e.swapSealed(pair, spec.estFlag, confirm)
	if err != nil {
		pair.Zeroize()
		return nil, err
	}
	if subtle.ConstantTimeCompare(peerConfirm, confirm) != 1 {
		pair.Zeroize()
		return nil, ErrAuthenticationFailed
	}
	return pair, nil
}

// swapSealedRaw performs the role-ordered send/receive of one exchange
// step: the initiator writes first, the responder answers.
func (e *Endpoint) swapSealedRaw(wrap *channelPair, flag packet.ExchangeFlag, payload []byte) ([]byte, error) {
	if e.initiator {
		if err := e.sendSealedLocked(wrap.tx, packet.Exchange, uint16(flag), 0, payload); err != nil {
			return nil, err
		}
		return e.recvOpened(wrap.rx, flag)
	}
	raw, err := e.recvOpened(wrap.rx, flag)
	if err != nil {
		return nil, err
	}
	if err := e.sendSealedLocked(wrap.tx, packet.Exchange, uint16(flag), 0, payload); err != nil {
		return nil, err
	}
	return raw, nil
}

// swapSealed is swapSealedRaw for steps sealed under the freshly derived
// pair itself.
func (e *Endpoint) swapSealed(pair *channelPair, flag packet.ExchangeFlag, payload []byte) ([]byte, error) {
	return e.swapSealedRaw(pair, flag, payload)
}

// recvOpened waits for the Exchange frame with the wanted flag, handling
// service control frames and one resend cycle along the way.
func (e *Endpoint) recvOpened(rx *channel, want packet.ExchangeFlag) ([]byte, error) {
	retried := false
	for {
		p, err := e.recvFrame(e.cfg.ExchangeTimeout)
		if err != nil {
			if err == ErrExchangeTimeout {
				_, _ = e.sendPacketLocked(packet.Service, uint16(packet.Terminate), 0, nil)
			}
			return nil, err
		}
		if p.Sequence != e.rxSeq {
			if retried {
				_, _ = e.sendPacketLocked(packet.Service, uint16(packet.Terminate), 0, nil)
				return nil, oops.Wrapf(ErrProtocol, "dtm: sequence %d, expected %d", p.Sequence, e.rxSeq)
			}
			retried = true
			_, _ = e.sendPacketLocked(packet.Service, uint16(packet.Resend), uint64(e.rxSeq), nil)
			continue
		}
		e.rxSeq++
		e.emitPacketReceived(PacketInfo{Type: p.Type, Flag: p.Flag, Length: len(p.Payload)})

		switch p.Type {
		case packet.Service:
			switch packet.ServiceFlag(p.Flag) {
			case packet.Refusal:
				return nil, ErrPeerRefused
			case packet.Terminate, packet.Disconnected:
				return nil, oops.Wrapf(ErrProtocol, "dtm: peer terminated during exchange")
			case packet.Resend:
				e.retransmitLockedFrom(uint32(p.OptionFlag))
				continue
			default:
				continue
			}
		case packet.Exchange:
			if packet.ExchangeFlag(p.Flag) != want {
				if retried {
					_, _ = e.sendPacketLocked(packet.Service, uint16(packet.Terminate), 0, nil)
					return nil, oops.Wrapf(ErrProtocol, "dtm: exchange flag %d, expected %d", p.Flag, want)
				}
				retried = true
				continue
			}
			plain, err := rx.Open(adBytes(p.Type, p.Sequence, p.Flag, p.OptionFlag), p.Payload)
			if err != nil {
				_, _ = e.sendPacketLocked(packet.Service, uint16(packet.Terminate), 0, nil)
				return nil, ErrAuthenticationFailed
			}
			return plain, nil
		default:
			// Session traffic may interleave with a resync; hand it to
			// the regular handlers. sendMu is held for the whole resync.
			if e.State() == StateRekeying {
				e.handleSessionFrame(p, true)
				continue
			}
			return nil, ErrProtocol
		}
	}
}
