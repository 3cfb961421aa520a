package pagedattn

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// blockMeta tracks allocator-side state of one cache block: reference count
// for shared prefixes and the chained hash of the tokens it holds.
type blockMeta struct {
	id       int32
	refCount int
	hash     uint64
	tokenIDs []int
}

func (b *blockMeta) update(hash uint64, tokenIDs []int) {
	b.hash = hash
	b.tokenIDs = make([]int, len(tokenIDs))
	copy(b.tokenIDs, tokenIDs)
}

func (b *blockMeta) reset() {
	b.refCount = 1
	b.hash = 0
	b.tokenIDs = nil
}

// BlockManager owns block lifecycle: which sequence may write which block.
// Full blocks are content-hashed (chained xxhash over token ids) so sequences
// sharing a prefix share physical blocks. The attention op itself never sees
// this; it only receives the resulting block tables and slot mappings.
type BlockManager struct {
	slotsPerBlock int
	blocks        []*blockMeta
	hashToBlockID map[uint64]int32
	freeBlockIDs  []int32
	used          map[int32]bool
}

// NewBlockManager creates a manager over numBlocks blocks.
func NewBlockManager(numBlocks, slotsPerBlock int) *BlockManager {
	blocks := make([]*blockMeta, numBlocks)
	free := make([]int32, numBlocks)
	for i := range blocks {
		blocks[i] = &blockMeta{id: int32(i)}
		free[i] = int32(i)
	}
	return &BlockManager{
		slotsPerBlock: slotsPerBlock,
		blocks:        blocks,
		hashToBlockID: make(map[uint64]int32),
		freeBlockIDs:  free,
		used:          make(map[int32]bool),
	}
}

// NumFreeBlocks returns how many blocks remain unallocated.
func (bm *BlockManager) NumFreeBlocks() int { return len(bm.freeBlockIDs) }

// chainHash hashes a block's token ids, chained onto the previous block's
// hash so equal blocks at different depths never collide.
func chainHash(tokenIDs []int, prefixHash uint64) uint64 {
	h := xxhash.New()
	if prefixHash != 0 {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], prefixHash)
		h.Write(buf[:])
	}
	for _, id := range tokenIDs {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(id))
		h.Write(buf[:])
	}
	return h.Sum64()
}

func (bm *BlockManager) allocateBlock(id int32) *blockMeta {
	block := bm.blocks[id]
	if block.refCount != 0 {
		panic("block is already allocated")
	}
	block.reset()

	for i, free := range bm.freeBlockIDs {
		if free == id {
			bm.freeBlockIDs = append(bm.freeBlockIDs[:i], bm.freeBlockIDs[i+1:]...)
			break
		}
	}
	bm.used[id] = true
	return block
}

func (bm *BlockManager) releaseBlock(id int32) {
	if bm.blocks[id].refCount != 0 {
		panic("block still has references")
	}
	delete(bm.used, id)
	bm.freeBlockIDs = append(bm.freeBlockIDs, id)
}

// CanAllocate checks whether a whole sequence fits in the free blocks.
func (bm *BlockManager) CanAllocate(seq *Sequence) bool {
	return len(bm.freeBlockIDs) >= seq.NumBlocks()
}

// Allocate assigns blocks for every token of the sequence, reusing
// hash-matched full blocks where the prefix is already resident.
func (bm *BlockManager) Allocate(seq *Sequence) {
	if len(seq.BlockTable) > 0 {
		panic("sequence already has blocks allocated")
	}

	var h uint64
	cacheMiss := false
	for i := 0; i < seq.NumBlocks(); i++ {
		tokenIDs := seq.BlockTokens(i)

		// Only full blocks are content-addressable.
		if len(tokenIDs) == bm.slotsPerBlock {
			h = chainHash(tokenIDs, h)
		} else {
			h = 0
		}

		blockID := int32(-1)
		if h != 0 {
			if id, ok := bm.hashToBlockID[h]; ok && tokenIDsEqual(bm.blocks[id].tokenIDs, tokenIDs) {
				blockID = id
			}
		}
		if blockID == -1 {
			cacheMiss = true
		}

		if cacheMiss {
			blockID = bm.freeBlockIDs[0]
			bm.allocateBlock(blockID)
		} else {
			seq.NumCachedTokens += bm.slotsPerBlock
			if bm.used[blockID] {
				bm.blocks[blockID].refCount++
			} else {
				bm.allocateBlock(blockID)
			}
		}

		if h != 0 {
			bm.blocks[blockID].update(h, tokenIDs)
			bm.hashToBlockID[h] = blockID
		}
		seq.BlockTable = append(seq.BlockTable, blockID)
	}
}

func tokenIDsEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Deallocate returns the sequence's blocks, last first, freeing each block
// whose reference count drops to zero.
func (bm *BlockManager) Deallocate(seq *Sequence) {
	for i := len(seq.BlockTable) - 1; i >= 0; i-- {
		id := seq.BlockTable[i]
		bm.blocks[id].refCount--
		if bm.blocks[id].refCount == 0 {
			bm.releaseBlock(id)
		}
	}
	seq.NumCachedTokens = 0
	seq.BlockTable = seq.BlockTable[:0]
}

// CanAppend checks whether one more token can be appended to the sequence.
func (bm *BlockManager) CanAppend(seq *Sequence) bool {
	if seq.Len()%bm.slotsPerBlock == 1 {
		return len(bm.freeBlockIDs) >= 1
	}
	return true
}

// MayAppend grows the sequence's block table if its newest token started a
// fresh block, and seals the previous block's hash when it filled up.
func (bm *BlockManager) MayAppend(seq *Sequence) {
	table := seq.BlockTable
	last := bm.blocks[table[len(table)-1]]

	switch seq.Len() % bm.slotsPerBlock {
	case 1:
		if last.hash == 0 {
			panic("last block should have a hash")
		}
		id := bm.freeBlockIDs[0]
		bm.allocateBlock(id)
		seq.BlockTable = append(seq.BlockTable, id)
	case 0:
		if last.hash != 0 {
			panic("last block should not have a hash")
		}
		tokenIDs := seq.BlockTokens(seq.NumBlocks() - 1)
		var prefixHash uint64
		if len(table) > 1 {
			prefixHash = bm.blocks[table[len(table)-2]].hash
		}
		h := chainHash(tokenIDs, prefixHash)
		last.update(h, tokenIDs)
		bm.hashToBlockID[h] = last.id
	default:
		if last.hash != 0 {
			panic("last block should not have a hash")
		}
	}
}
