package kel

import (
	"Conclave/internal/event"
)

// slot accumulates signatures for one (prefix, sn) until it can be applied.
// The first content seen pins the slot.
type slot struct {
	Said    string     `json:"said"`    // Said pins the slot content
	Kind    event.Kind `json:"kind"`    // Kind is the serialization of Raw
	Raw     []byte     `json:"raw"`     // Raw is the pinned event
	Sigs    []string   `json:"sigs"`    // Sigs are the collected signatures, one per index
	Signers []byte     `json:"signers"` // Signers is a bitmap of the collected indices
}

// merge adds signatures whose index is not yet present and names one of
// the total signing keys. Returns the number of newly counted signers.
func (s *slot) merge(sigs []event.Signature, total int) int {
	have := make(map[int]bool)
	for _, idx := range ParseSignerBitmap(s.Signers) {
		have[idx] = true
	}

	added := 0

	for _, sig := range sigs {
		if sig.Index >= total || have[sig.Index] {
			continue
		}

		have[sig.Index] = true
		s.Sigs = append(s.Sigs, sig.Qb64)
		added++
	}

	indices := make([]int, 0, len(have))
	for idx := range have {
		indices = append(indices, idx)
	}

	s.Signers = BuildSignerBitmap(indices, total)

	return added
}

// count returns the number of distinct signers collected.
func (s *slot) count() int {
	return len(ParseSignerBitmap(s.Signers))
}

// decode returns the pinned event.
func (s *slot) decode() (*event.Event, error) {
	return event.Decode(s.Raw, s.Kind)
}

// BuildSignerBitmap creates a bitmap of signer indices.
// Indices outside [0, total) are ignored.
func BuildSignerBitmap(indices []int, total int) []byte {
	bitmap := make([]byte, (total+7)/8)

	for _, idx := range indices {
		if idx >= 0 && idx < total {
			bitmap[idx/8] |= 1 << (idx % 8)
		}
	}

	return bitmap
}

// ParseSignerBitmap extracts the signer indices from a bitmap, ascending.
func ParseSignerBitmap(bitmap []byte) []int {
	var indices []int

	for byteIdx, b := range bitmap {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<bit) != 0 {
				indices = append(indices, byteIdx*8+bit)
			}
		}
	}

	return indices
}
