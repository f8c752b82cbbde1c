// Package blockmode implements the CTR, CBC, CFB and OFB modes of operation
// over any registered block cipher, with a deterministic parallel
// decomposition for CTR and for CBC/CFB decryption.
//
// The parallel path slices a fixed-size parallel block into contiguous
// per-worker chunk ranges; each worker clones the initialized cipher and
// processes its range locally. The slicing depends only on the parallel
// block size, the cipher block size and the worker degree, so parallel and
// serial execution produce byte-identical output.
package blockmode

import (
	"errors"
	"runtime"
	"sync"

	"github.com/vtdev/cex/cex/keymat"
	"github.com/vtdev/cex/cex/primitive"
)

var (
	ErrNotInitialized  = errors.New("blockmode: transform before initialize")
	ErrInvalidParam    = errors.New("blockmode: invalid parameter")
	ErrBlockAlignment  = errors.New("blockmode: input is not block aligned")
	ErrParallelSizing  = errors.New("blockmode: parallel block size must be a multiple of the minimum and within bounds")
	ErrUnsupportedMode = errors.New("blockmode: unsupported cipher mode")
)

// ParallelMaxSize is the upper bound on a single parallel block.
const ParallelMaxSize = 100 * 1024 * 1024

// defaultChunkBytes is the per-worker working set a parallel block targets.
const defaultChunkBytes = 1 << 20

// Mode is an initialized cipher mode engine.
type Mode interface {
	// Name returns the mode identifier.
	Name() primitive.CipherMode
	// BlockSize returns the underlying cipher block size in bytes.
	BlockSize() int
	// Initialize prepares the engine for one direction. The material's IV
	// must be one block.
	Initialize(encrypt bool, km *keymat.KeyMaterial) error
	// TransformBlock processes exactly one block.
	TransformBlock(src, dst []byte) error
	// Transform processes len(src) bytes, splitting parallel blocks across
	// workers when enabled. CBC and CFB require block-aligned input; CTR
	// and OFB accept any length.
	Transform(src, dst []byte) error

	IsParallel() bool
	SetParallel(on bool)
	ParallelDegree() int
	// SetParallelDegree sets the worker count and resets the parallel
	// block size to its default for that degree.
	SetParallelDegree(n int) error
	ParallelMinSize() int
	ParallelMaxSize() int
	ParallelBlockSize() int
	SetParallelBlockSize(n int) error
}

// New constructs a mode engine over the supplied cipher.
func New(mode primitive.CipherMode, cipher primitive.BlockCipher) (Mode, error) {
	switch mode {
	case primitive.CTR:
		return newCtr(cipher), nil
	case primitive.CBC:
		return newCbc(cipher), nil
	case primitive.CFB:
		return newCfb(cipher), nil
	case primitive.OFB:
		return newOfb(cipher), nil
	default:
		return nil, ErrUnsupportedMode
	}
}

// parallelOpts carries the tunables shared by every mode engine.
type parallelOpts struct {
	blockSize     int
	degree        int
	parallel      bool
	parallelBlock int
}

func newParallelOpts(blockSize int) parallelOpts {
	degree := runtime.GOMAXPROCS(0)
	if degree < 1 {
		degree = 1
	}
	return parallelOpts{
		blockSize:     blockSize,
		degree:        degree,
		parallel:      degree > 1,
		parallelBlock: defaultParallelBlock(degree, blockSize),
	}
}

func defaultParallelBlock(degree, blockSize int) int {
	n := degree * defaultChunkBytes
	return n - n%(degree*blockSize)
}

func (p *parallelOpts) IsParallel() bool { return p.parallel && p.degree > 1 }

func (p *parallelOpts) SetParallel(on bool) { p.parallel = on }

func (p *parallelOpts) ParallelDegree() int { return p.degree }

func (p *parallelOpts) SetParallelDegree(n int) error {
	if n < 1 || n > 128 {
		return ErrInvalidParam
	}
	p.degree = n
	p.parallelBlock = defaultParallelBlock(n, p.blockSize)
	return nil
}

func (p *parallelOpts) ParallelMinSize() int { return p.degree * p.blockSize }

func (p *parallelOpts) ParallelMaxSize() int { return ParallelMaxSize }

func (p *parallelOpts) ParallelBlockSize() int { return p.parallelBlock }

func (p *parallelOpts) SetParallelBlockSize(n int) error {
	min := p.ParallelMinSize()
	if n < min || n > ParallelMaxSize || n%min != 0 {
		return ErrParallelSizing
	}
	p.parallelBlock = n
	return nil
}

// chunkRange is one worker's contiguous share of a parallel block.
// The last worker absorbs the remainder blocks.
type chunkRange struct {
	startBlock int
	blockCount int
}

func splitChunks(totalBlocks, workers int) []chunkRange {
	if workers > totalBlocks {
		workers = totalBlocks
	}
	per := totalBlocks / workers
	out := make([]chunkRange, workers)
	for t := 0; t < workers; t++ {
		out[t] = chunkRange{startBlock: t * per, blockCount: per}
	}
	out[workers-1].blockCount = totalBlocks - (workers-1)*per
	return out
}

func runWorkers(chunks []chunkRange, fn func(c chunkRange)) {
	var wg sync.WaitGroup
	wg.Add(len(chunks))
	for _, c := range chunks {
		go func(c chunkRange) {
			defer wg.Done()
			fn(c)
		}(c)
	}
	wg.Wait()
}
