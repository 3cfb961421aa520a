package pagedattn

import "fmt"

// PadValue marks unused entries in block tables and slot mappings. A padded
// slot mapping entry means the token writes nothing this step.
const PadValue int32 = -1

// Address is the physical location of one token's key/value vectors.
type Address struct {
	Block int32
	Slot  int32
}

// AddressResolver translates block tables, slot mappings and context lengths
// into physical cache locations. It is a pure function of its inputs; it never
// touches storage.
type AddressResolver struct {
	numBlocks     int
	slotsPerBlock int
}

// NewAddressResolver creates a resolver for a cache of numBlocks blocks with
// slotsPerBlock token slots each.
func NewAddressResolver(numBlocks, slotsPerBlock int) *AddressResolver {
	return &AddressResolver{numBlocks: numBlocks, slotsPerBlock: slotsPerBlock}
}

// HistoryAddresses resolves the ordered physical locations of every token a
// sequence has written, positions [0, contextLen). The block table row may be
// padded with PadValue past the blocks the context actually needs.
func (r *AddressResolver) HistoryAddresses(blockTable []int32, contextLen int) ([]Address, error) {
	if contextLen < 0 {
		return nil, fmt.Errorf("%w: negative context length %d", ErrAddressOutOfRange, contextLen)
	}
	needed := (contextLen + r.slotsPerBlock - 1) / r.slotsPerBlock
	if needed > len(blockTable) {
		return nil, fmt.Errorf("%w: context length %d needs %d blocks, block table has %d",
			ErrAddressOutOfRange, contextLen, needed, len(blockTable))
	}

	addrs := make([]Address, contextLen)
	for pos := 0; pos < contextLen; pos++ {
		block := blockTable[pos/r.slotsPerBlock]
		if block < 0 || int(block) >= r.numBlocks {
			return nil, fmt.Errorf("%w: block id %d at position %d (cache has %d blocks)",
				ErrAddressOutOfRange, block, pos, r.numBlocks)
		}
		addrs[pos] = Address{Block: block, Slot: int32(pos % r.slotsPerBlock)}
	}
	return addrs, nil
}

// WriteAddresses resolves the physical destination of each newly arriving
// token from the flattened slot mapping. A PadValue entry yields a PadValue
// block, meaning no write for that token.
func (r *AddressResolver) WriteAddresses(slotMapping []int32) ([]Address, error) {
	addrs := make([]Address, len(slotMapping))
	for i, slot := range slotMapping {
		if slot == PadValue {
			addrs[i] = Address{Block: PadValue, Slot: PadValue}
			continue
		}
		if slot < 0 || int(slot) >= r.numBlocks*r.slotsPerBlock {
			return nil, fmt.Errorf("%w: global slot %d at token %d (cache has %d slots)",
				ErrAddressOutOfRange, slot, i, r.numBlocks*r.slotsPerBlock)
		}
		addrs[i] = Address{
			Block: slot / int32(r.slotsPerBlock),
			Slot:  slot % int32(r.slotsPerBlock),
		}
	}
	return addrs, nil
}
