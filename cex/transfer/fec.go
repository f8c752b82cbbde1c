package transfer

import (
	"errors"

	"github.com/klauspost/reedsolomon"
)

var (
	ErrTooManyLost   = errors.New("transfer: too many chunks lost, cannot recover")
	ErrInvalidConfig = errors.New("transfer: invalid data/parity configuration")
	ErrGroupSizing   = errors.New("transfer: shard does not fit the group")
)

// Codec computes Reed-Solomon parity over fixed-size chunk groups.
type Codec struct {
	enc          reedsolomon.Encoder
	dataShards   int
	parityShards int
	shardSize    int
}

// NewCodec creates a parity codec. Every shard in a group is padded to
// shardSize bytes; up to parityShards chunks per group can be recovered.
func NewCodec(dataShards, parityShards, shardSize int) (*Codec, error) {
	if dataShards <= 0 || parityShards <= 0 || shardSize <= 0 {
		return nil, ErrInvalidConfig
	}
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	return &Codec{enc: enc, dataShards: dataShards, parityShards: parityShards, shardSize: shardSize}, nil
}

// DataShards returns the number of data shards per group.
func (c *Codec) DataShards() int { return c.dataShards }

// ParityShards returns the number of parity shards per group.
func (c *Codec) ParityShards() int { return c.parityShards }

// ShardSize returns the padded shard length.
func (c *Codec) ShardSize() int { return c.shardSize }

// pad copies b into a fresh shard-sized buffer.
func (c *Codec) pad(b []byte) ([]byte, error) {
	if len(b) > c.shardSize {
		return nil, ErrGroupSizing
	}
	out := make([]byte, c.shardSize)
	copy(out, b)
	return out, nil
}

// Parity computes the parity shards for one group of plaintext chunks.
// Short groups are completed with zero shards so the geometry stays fixed.
func (c *Codec) Parity(chunks [][]byte) ([][]byte, error) {
	if len(chunks) == 0 || len(chunks) > c.dataShards {
		return nil, ErrGroupSizing
	}
	shards := make([][]byte, c.dataShards+c.parityShards)
	for i := range shards {
		if i < len(chunks) {
			padded, err := c.pad(chunks[i])
			if err != nil {
				return nil, err
			}
			shards[i] = padded
		} else {
			shards[i] = make([]byte, c.shardSize)
		}
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, err
	}
	return shards[c.dataShards:], nil
}

// GroupAssembler collects the shards of one group on the receive side and
// reconstructs missing data chunks from parity.
type GroupAssembler struct {
	codec  *Codec
	shards [][]byte
}

// NewGroupAssembler prepares an empty group.
func (c *Codec) NewGroupAssembler() *GroupAssembler {
	return &GroupAssembler{
		codec:  c,
		shards: make([][]byte, c.dataShards+c.parityShards),
	}
}

// SetData records a received data chunk at its index within the group.
func (g *GroupAssembler) SetData(index int, plain []byte) error {
	if index < 0 || index >= g.codec.dataShards {
		return ErrGroupSizing
	}
	padded, err := g.codec.pad(plain)
	if err != nil {
		return err
	}
	g.shards[index] = padded
	return nil
}

// SetParity records a received parity shard.
func (g *GroupAssembler) SetParity(index int, shard []byte) error {
	if index < 0 || index >= g.codec.parityShards {
		return ErrGroupSizing
	}
	if len(shard) != g.codec.shardSize {
		return ErrGroupSizing
	}
	g.shards[g.codec.dataShards+index] = append([]byte(nil), shard...)
	return nil
}

// Missing lists the data shard indexes not yet present.
func (g *GroupAssembler) Missing() []int {
	var out []int
	for i := 0; i < g.codec.dataShards; i++ {
		if g.shards[i] == nil {
			out = append(out, i)
		}
	}
	return out
}

// Reconstruct fills in missing data shards from parity. Short trailing
// groups must mark their absent tail chunks as zero shards with SetData
// before calling.
func (g *GroupAssembler) Reconstruct() error {
	err := g.codec.enc.ReconstructData(g.shards)
	if err != nil {
		if errors.Is(err, reedsolomon.ErrTooFewShards) {
			return ErrTooManyLost
		}
		return err
	}
	return nil
}

// Data returns the data shard at index, trimmed to length n.
func (g *GroupAssembler) Data(index, n int) ([]byte, error) {
	if index < 0 || index >= g.codec.dataShards || g.shards[index] == nil || n > g.codec.shardSize {
		return nil, ErrGroupSizing
	}
	return g.shards[index][:n], nil
}
