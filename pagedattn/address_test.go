package pagedattn

import (
	"errors"
	"testing"
)

func TestHistoryAddresses(t *testing.T) {
	r := NewAddressResolver(32, 16)

	addrs, err := r.HistoryAddresses([]int32{3, 7, 1}, 40)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(addrs) != 40 {
		t.Fatalf("expected 40 addresses, got %d", len(addrs))
	}

	// Position 0 lands in block 3 slot 0, position 17 in block 7 slot 1,
	// position 39 in block 1 slot 7.
	if addrs[0] != (Address{Block: 3, Slot: 0}) {
		t.Errorf("position 0: got %+v", addrs[0])
	}
	if addrs[17] != (Address{Block: 7, Slot: 1}) {
		t.Errorf("position 17: got %+v", addrs[17])
	}
	if addrs[39] != (Address{Block: 1, Slot: 7}) {
		t.Errorf("position 39: got %+v", addrs[39])
	}
}

func TestHistoryAddressesIgnoresPadding(t *testing.T) {
	r := NewAddressResolver(32, 16)

	// Only the first ceil(20/16)=2 entries are real; the rest is PadValue.
	addrs, err := r.HistoryAddresses([]int32{5, 9, PadValue, PadValue}, 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(addrs) != 20 {
		t.Fatalf("expected 20 addresses, got %d", len(addrs))
	}
	if addrs[19] != (Address{Block: 9, Slot: 3}) {
		t.Errorf("position 19: got %+v", addrs[19])
	}
}

func TestHistoryAddressesContextExceedsTable(t *testing.T) {
	r := NewAddressResolver(32, 16)

	_, err := r.HistoryAddresses([]int32{0, 1}, 33)
	if !errors.Is(err, ErrAddressOutOfRange) {
		t.Errorf("expected ErrAddressOutOfRange, got %v", err)
	}
}

func TestHistoryAddressesBadBlockID(t *testing.T) {
	r := NewAddressResolver(8, 16)

	_, err := r.HistoryAddresses([]int32{99}, 4)
	if !errors.Is(err, ErrAddressOutOfRange) {
		t.Errorf("expected ErrAddressOutOfRange for block 99, got %v", err)
	}

	// A PadValue entry within the needed range is also invalid.
	_, err = r.HistoryAddresses([]int32{PadValue}, 4)
	if !errors.Is(err, ErrAddressOutOfRange) {
		t.Errorf("expected ErrAddressOutOfRange for padded needed block, got %v", err)
	}
}

func TestWriteAddresses(t *testing.T) {
	r := NewAddressResolver(32, 16)

	addrs, err := r.WriteAddresses([]int32{0, 17, 511, PadValue})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []Address{
		{Block: 0, Slot: 0},
		{Block: 1, Slot: 1},
		{Block: 31, Slot: 15},
		{Block: PadValue, Slot: PadValue},
	}
	for i := range want {
		if addrs[i] != want[i] {
			t.Errorf("token %d: got %+v, want %+v", i, addrs[i], want[i])
		}
	}
}

func TestWriteAddressesOutOfRange(t *testing.T) {
	r := NewAddressResolver(32, 16)

	_, err := r.WriteAddresses([]int32{512})
	if !errors.Is(err, ErrAddressOutOfRange) {
		t.Errorf("expected ErrAddressOutOfRange, got %v", err)
	}

	_, err = r.WriteAddresses([]int32{-7})
	if !errors.Is(err, ErrAddressOutOfRange) {
		t.Errorf("expected ErrAddressOutOfRange for negative slot, got %v", err)
	}
}
