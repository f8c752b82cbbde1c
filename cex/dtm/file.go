package dtm

import (
	"context"
	"crypto/subtle"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/oops"

	"github.com/vtdev/cex/cex/dtm/packet"
	"github.com/vtdev/cex/cex/keymat"
	"github.com/vtdev/cex/cex/primitive"
	"github.com/vtdev/cex/cex/transfer"
)

// transferMeta is the leading frame of a file transfer.
//
//	2 bytes: name length, N bytes name
//	8 bytes: total size
//	4 bytes: chunk size
//	4 bytes: chunk count
//	1 byte:  compression level + 1
//	1 byte:  fec data shards
//	1 byte:  fec parity shards
type transferMeta struct {
	Name       string
	Size       int64
	ChunkSize  int
	ChunkCount int
	Level      transfer.CompressionLevel
	FecData    int
	FecParity  int
}

func (m transferMeta) encode() []byte {
	out := make([]byte, 0, 21+len(m.Name))
	out = binary.LittleEndian.AppendUint16(out, uint16(len(m.Name)))
	out = append(out, m.Name...)
	out = binary.LittleEndian.AppendUint64(out, uint64(m.Size))
	out = binary.LittleEndian.AppendUint32(out, uint32(m.ChunkSize))
	out = binary.LittleEndian.AppendUint32(out, uint32(m.ChunkCount))
	out = append(out, byte(m.Level+1), byte(m.FecData), byte(m.FecParity))
	return out
}

func parseTransferMeta(data []byte) (transferMeta, error) {
	var m transferMeta
	if len(data) < 2 {
		return m, ErrProtocol
	}
	n := int(binary.LittleEndian.Uint16(data))
	data = data[2:]
	if len(data) < n+19 {
		return m, ErrProtocol
	}
	m.Name = string(data[:n])
	data = data[n:]
	m.Size = int64(binary.LittleEndian.Uint64(data))
	m.ChunkSize = int(binary.LittleEndian.Uint32(data[8:]))
	m.ChunkCount = int(binary.LittleEndian.Uint32(data[12:]))
	m.Level = transfer.CompressionLevel(int(data[16]) - 1)
	m.FecData = int(data[17])
	m.FecParity = int(data[18])
	return m, nil
}

// newTransferMac keys a MAC for the transfer frames from the session's
// auxiliary secret.
func (e *Endpoint) newTransferMac() (primitive.Mac, error) {
	mac, err := primitive.NewMac(primitive.HMAC, e.cfg.Params.PrimarySession.MacDigest)
	if err != nil {
		return nil, err
	}
	km := keymat.New(e.xferMacKey, nil, nil)
	if err := mac.Init(km); err != nil {
		return nil, err
	}
	return mac, nil
}

func chunkTag(mac primitive.Mac, id uint32, index uint32, chunk []byte) []byte {
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:], id)
	binary.LittleEndian.PutUint32(hdr[4:], index)
	mac.Reset()
	mac.Update(hdr[:])
	mac.Update(chunk)
	return mac.Finalize(nil)
}

// SendFile streams path to the peer as a metadata frame followed by
// bounded chunk frames, each carrying a MAC over its plaintext, closed by a
// whole-file MAC. With parity shards configured, every group of data chunks
// is followed by Reed-Solomon parity frames. The receive path logs and
// discards parity frames; it does not rebuild lost chunks from them.
func (e *Endpoint) SendFile(ctx context.Context, path string) error {
	if e.State() != StateEstablished {
		return ErrNotEstablished
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}

	e.fileAbort.Store(false)
	chunkSize := e.cfg.ChunkSize
	count := int((st.Size() + int64(chunkSize) - 1) / int64(chunkSize))
	meta := transferMeta{
		Name:       filepath.Base(path),
		Size:       st.Size(),
		ChunkSize:  chunkSize,
		ChunkCount: count,
		Level:      e.cfg.Compression,
		FecData:    e.cfg.FecDataShards,
		FecParity:  e.cfg.FecParityShards,
	}
	id, err := e.prng.NextUint32()
	if err != nil {
		return err
	}

	whole, err := e.newTransferMac()
	if err != nil {
		return err
	}
	perChunk, err := e.newTransferMac()
	if err != nil {
		return err
	}

	var codec *transfer.Codec
	var group [][]byte
	if meta.FecData > 0 && meta.FecParity > 0 {
		codec, err = transfer.NewCodec(meta.FecData, meta.FecParity, chunkSize)
		if err != nil {
			return err
		}
	}

	send := func(flag packet.TransferFlag, option uint64, plain []byte) error {
		e.sendMu.Lock()
		defer e.sendMu.Unlock()
		return e.sendSealedLocked(e.prim.tx, packet.Transfer, uint16(flag), option, plain)
	}
	sendParity := func() error {
		if codec == nil || len(group) == 0 {
			return nil
		}
		shards, err := codec.Parity(group)
		if err != nil {
			return err
		}
		for i, shard := range shards {
			option := uint64(id)<<32 | uint64(i)
			if err := send(packet.TransferParity, option, shard); err != nil {
				return err
			}
		}
		group = group[:0]
		return nil
	}

	if err := send(packet.TransferRequest, uint64(id)<<32, meta.encode()); err != nil {
		return err
	}

	buf := make([]byte, chunkSize)
	for index := 0; index < count; index++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.fileAbort.Load() {
			return ErrFileRefused
		}
		n := chunkSize
		if remaining := st.Size() - int64(index)*int64(chunkSize); remaining < int64(n) {
			n = int(remaining)
		}
		if _, err := io.ReadFull(f, buf[:n]); err != nil {
			return err
		}
		chunk := buf[:n]
		whole.Update(chunk)
		tag := chunkTag(perChunk, id, uint32(index), chunk)

		payload := make([]byte, 0, len(tag)+5+len(chunk))
		payload = append(payload, tag...)
		payload = append(payload, transfer.EncodeChunk(chunk, meta.Level)...)
		option := uint64(id)<<32 | uint64(uint32(index))
		if err := send(packet.TransferChunk, option, payload); err != nil {
			return err
		}

		if codec != nil {
			group = append(group, append([]byte(nil), chunk...))
			if len(group) == meta.FecData {
				if err := sendParity(); err != nil {
					return err
				}
			}
		}
	}
	if err := sendParity(); err != nil {
		return err
	}

	final := whole.Finalize(nil)
	if err := send(packet.TransferFinal, uint64(id)<<32, final); err != nil {
		return err
	}
	log.WithField("name", meta.Name).WithField("size", meta.Size).Debug("file sent")
	return nil
}

func (e *Endpoint) abortOutboundFile() {
	e.fileAbort.Store(true)
}

// inboundFile tracks one transfer being reassembled to a temporary file.
type inboundFile struct {
	id        uint32
	path      string
	tmpPath   string
	f         *os.File
	meta      transferMeta
	nextIndex int
	written   int64
	whole     primitive.Mac
	perChunk  primitive.Mac
}

func (e *Endpoint) handleTransfer(p packet.Packet, locked bool) {
	plain, err := e.prim.rx.Open(adBytes(p.Type, p.Sequence, p.Flag, p.OptionFlag), p.Payload)
	if err != nil {
		e.shutdown(ErrAuthenticationFailed, false)
		return
	}
	id := uint32(p.OptionFlag >> 32)

	switch packet.TransferFlag(p.Flag) {
	case packet.TransferRequest:
		e.startInboundFile(id, plain, locked)
	case packet.TransferChunk:
		e.receiveChunk(id, uint32(p.OptionFlag), plain, locked)
	case packet.TransferParity:
		// Parity only matters on lossy transports; the ordered stream
		// transports deliver every chunk or stall the sequence.
		log.WithField("id", id).Debug("parity frame ignored on ordered transport")
	case packet.TransferFinal:
		e.finishInboundFile(id, plain)
	default:
		e.emitSessionError(SeverityWarning, oops.Wrapf(ErrProtocol, "dtm: unknown transfer flag %d", p.Flag))
	}
}

func (e *Endpoint) startInboundFile(id uint32, payload []byte, locked bool) {
	meta, err := parseTransferMeta(payload)
	if err != nil {
		e.emitSessionError(SeverityError, err)
		return
	}
	if meta.Size > e.cfg.MaxAllocation {
		e.reply(locked, packet.Service, uint16(packet.Refusal), uint64(id)<<32)
		e.emitSessionError(SeverityError, ErrPayloadTooLarge)
		return
	}
	ev := &FileRequestEvent{ProposedName: meta.Name, TotalSize: meta.Size}
	e.events.raiseFileRequest(ev)
	if !ev.accepted {
		e.reply(locked, packet.Service, uint16(packet.Refusal), uint64(id)<<32)
		return
	}
	tmp := ev.path + ".part"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		e.emitSessionError(SeverityError, err)
		return
	}
	whole, err := e.newTransferMac()
	if err != nil {
		f.Close()
		e.emitSessionError(SeverityError, err)
		return
	}
	perChunk, err := e.newTransferMac()
	if err != nil {
		f.Close()
		e.emitSessionError(SeverityError, err)
		return
	}
	e.fileRx = &inboundFile{
		id:       id,
		path:     ev.path,
		tmpPath:  tmp,
		f:        f,
		meta:     meta,
		whole:    whole,
		perChunk: perChunk,
	}
	log.WithField("name", meta.Name).WithField("size", meta.Size).Debug("file transfer accepted")
}

func (e *Endpoint) receiveChunk(id, index uint32, payload []byte, locked bool) {
	rx := e.fileRx
	if rx == nil || rx.id != id {
		return
	}
	macSize := rx.perChunk.MacSize()
	if len(payload) < macSize {
		e.failInboundFile(oops.Wrapf(ErrProtocol, "dtm: short transfer chunk"), locked)
		return
	}
	tag := payload[:macSize]
	chunk, err := transfer.DecodeChunk(payload[macSize:])
	if err != nil {
		e.failInboundFile(err, locked)
		return
	}
	if int(index) != rx.nextIndex {
		e.failInboundFile(oops.Wrapf(ErrProtocol, "dtm: transfer chunk %d, expected %d", index, rx.nextIndex), locked)
		return
	}
	want := chunkTag(rx.perChunk, id, index, chunk)
	if subtle.ConstantTimeCompare(tag, want) != 1 {
		e.failInboundFile(ErrAuthenticationFailed, locked)
		return
	}
	if rx.written+int64(len(chunk)) > rx.meta.Size {
		e.failInboundFile(ErrPayloadTooLarge, locked)
		return
	}
	if _, err := rx.f.Write(chunk); err != nil {
		e.failInboundFile(err, locked)
		return
	}
	rx.whole.Update(chunk)
	rx.written += int64(len(chunk))
	rx.nextIndex++
}

func (e *Endpoint) finishInboundFile(id uint32, finalTag []byte) {
	rx := e.fileRx
	if rx == nil || rx.id != id {
		return
	}
	e.fileRx = nil
	want := rx.whole.Finalize(nil)
	if subtle.ConstantTimeCompare(finalTag, want) != 1 || rx.written != rx.meta.Size {
		rx.f.Close()
		os.Remove(rx.tmpPath)
		e.emitSessionError(SeverityError, ErrAuthenticationFailed)
		return
	}
	if err := rx.f.Sync(); err != nil {
		rx.f.Close()
		os.Remove(rx.tmpPath)
		e.emitSessionError(SeverityError, err)
		return
	}
	if err := rx.f.Close(); err != nil {
		e.emitSessionError(SeverityError, err)
		return
	}
	if err := os.Rename(rx.tmpPath, rx.path); err != nil {
		e.emitSessionError(SeverityError, err)
		return
	}
	path := rx.path
	fns := e.events.fileReceivedListeners()
	e.emit(func() {
		for _, fn := range fns {
			fn(path)
		}
	})
	log.WithField("path", path).Debug("file received")
}

func (e *Endpoint) failInboundFile(err error, locked bool) {
	rx := e.fileRx
	e.fileRx = nil
	if rx != nil {
		rx.f.Close()
		os.Remove(rx.tmpPath)
	}
	e.emitSessionError(SeverityError, err)
	e.reply(locked, packet.Service, uint16(packet.DataLost), uint64(time.Now().Unix()))
}
