package pagedattn

import (
	"fmt"

	"github.com/x448/float16"
)

// BlockCache owns the physical key/value storage of one cache layer,
// partitioned into fixed-capacity blocks. It stores and retrieves vectors;
// all addressing logic lives in AddressResolver.
//
// Layout is row-major per block: slot s of block b starts at
// (b*slotsPerBlock+s)*hidden, with the vectors of all kv heads concatenated,
// so one token is a single contiguous read.
type BlockCache struct {
	numBlocks     int
	slotsPerBlock int
	hidden        int
	dtype         CacheDType

	keys   []float32
	values []float32
	keys16 []float16.Float16
	vals16 []float16.Float16

	// Same-step double writes are a caller protocol bug. Each slot is stamped
	// with the step that last wrote it; BeginStep advances the stamp epoch.
	step  uint64
	stamp []uint64
}

// NewBlockCache allocates storage for numBlocks blocks of slotsPerBlock token
// slots, hidden floats per slot.
func NewBlockCache(numBlocks, slotsPerBlock, hidden int, dtype CacheDType) *BlockCache {
	total := numBlocks * slotsPerBlock * hidden
	c := &BlockCache{
		numBlocks:     numBlocks,
		slotsPerBlock: slotsPerBlock,
		hidden:        hidden,
		dtype:         dtype,
		step:          1,
		stamp:         make([]uint64, numBlocks*slotsPerBlock),
	}
	if dtype == CacheFloat16 {
		c.keys16 = make([]float16.Float16, total)
		c.vals16 = make([]float16.Float16, total)
	} else {
		c.keys = make([]float32, total)
		c.values = make([]float32, total)
	}
	return c
}

// NumBlocks returns the block count of this cache layer.
func (c *BlockCache) NumBlocks() int { return c.numBlocks }

// SlotsPerBlock returns the token capacity of one block.
func (c *BlockCache) SlotsPerBlock() int { return c.slotsPerBlock }

// Hidden returns the per-token vector width.
func (c *BlockCache) Hidden() int { return c.hidden }

// BeginStep opens a new write epoch. Slots written in earlier epochs may be
// overwritten again; two writes to one slot within the same epoch conflict.
func (c *BlockCache) BeginStep() {
	c.step++
}

func (c *BlockCache) slotIndex(addr Address) (int, error) {
	if addr.Block < 0 || int(addr.Block) >= c.numBlocks ||
		addr.Slot < 0 || int(addr.Slot) >= c.slotsPerBlock {
		return 0, fmt.Errorf("%w: block %d slot %d", ErrAddressOutOfRange, addr.Block, addr.Slot)
	}
	return int(addr.Block)*c.slotsPerBlock + int(addr.Slot), nil
}

// Write stores one token's key and value vectors at the given address.
func (c *BlockCache) Write(addr Address, key, value []float32) error {
	slot, err := c.slotIndex(addr)
	if err != nil {
		return err
	}
	if len(key) != c.hidden || len(value) != c.hidden {
		return fmt.Errorf("%w: key/value width %d/%d, cache expects %d",
			ErrShapeMismatch, len(key), len(value), c.hidden)
	}
	if c.stamp[slot] == c.step {
		return fmt.Errorf("%w: block %d slot %d written twice in one step",
			ErrSlotOccupiedConflict, addr.Block, addr.Slot)
	}
	c.stamp[slot] = c.step

	off := slot * c.hidden
	if c.dtype == CacheFloat16 {
		for i := 0; i < c.hidden; i++ {
			c.keys16[off+i] = float16.Fromfloat32(key[i])
			c.vals16[off+i] = float16.Fromfloat32(value[i])
		}
	} else {
		copy(c.keys[off:off+c.hidden], key)
		copy(c.values[off:off+c.hidden], value)
	}
	return nil
}

// Read returns one token's key and value vectors.
func (c *BlockCache) Read(addr Address) (key, value []float32, err error) {
	slot, err := c.slotIndex(addr)
	if err != nil {
		return nil, nil, err
	}
	key = make([]float32, c.hidden)
	value = make([]float32, c.hidden)
	c.readInto(slot, key, value)
	return key, value, nil
}

func (c *BlockCache) readInto(slot int, key, value []float32) {
	off := slot * c.hidden
	if c.dtype == CacheFloat16 {
		for i := 0; i < c.hidden; i++ {
			key[i] = c.keys16[off+i].Float32()
			value[i] = c.vals16[off+i].Float32()
		}
	} else {
		copy(key, c.keys[off:off+c.hidden])
		copy(value, c.values[off:off+c.hidden])
	}
}

// Gather reads the key/value vectors at the given addresses, in order, into
// two contiguous [len(addrs), hidden] buffers.
func (c *BlockCache) Gather(addrs []Address) (keys, values []float32, err error) {
	keys = make([]float32, len(addrs)*c.hidden)
	values = make([]float32, len(addrs)*c.hidden)
	for i, addr := range addrs {
		slot, err := c.slotIndex(addr)
		if err != nil {
			return nil, nil, err
		}
		c.readInto(slot, keys[i*c.hidden:(i+1)*c.hidden], values[i*c.hidden:(i+1)*c.hidden])
	}
	return keys, values, nil
}
