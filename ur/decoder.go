package ur

import (
	"errors"
	"fmt"
	"hash/crc32"
)

var (
	// ErrDecoderDone is returned by Receive when the decoder has already
	// reached a terminal state. The caller must Reset before starting a
	// new payload.
	ErrDecoderDone = errors.New("decoder finished; reset required")

	// ErrFragmentMismatch is the failure recorded when a fragment's
	// type, payload identifier or sequence length disagrees with the
	// payload being accumulated.
	ErrFragmentMismatch = errors.New("fragment does not belong to the " +
		"payload in progress")

	// ErrPayloadChecksum is the failure recorded when a structurally
	// complete payload does not hash to the checksum its fragments
	// declared.
	ErrPayloadChecksum = errors.New("reassembled payload fails checksum")
)

// State describes where a decoder is in its lifecycle. It is returned by
// value inside every DecodeSummary; the decoder never resets itself, the
// caller does so explicitly once it has consumed a terminal summary.
type State uint8

const (
	// StateAccumulating means more fragments are needed.
	StateAccumulating State = iota

	// StateSucceeded means the payload was reconstructed and verified.
	StateSucceeded

	// StateFailed means a corrupt or mismatched fragment, or a checksum
	// failure, ended the scan session. Reset clears it.
	StateFailed
)

// String returns a human readable identifier for the decoder state.
func (s State) String() string {
	switch s {
	case StateAccumulating:
		return "accumulating"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Progress is a mid-accumulation snapshot for UI rendering.
type Progress struct {
	// PartsReceived counts the pure fragments recovered so far, whether
	// scanned directly or extracted from mixed parts.
	PartsReceived int

	// TotalParts is the number of pure fragments the payload splits
	// into, or zero before the first fragment arrives.
	TotalParts int
}

// DecodeSummary is the snapshot returned by every Receive call. Success
// and Result are set together: Result is only non-nil when State is
// StateSucceeded.
type DecodeSummary struct {
	// State is the decoder lifecycle state after this fragment.
	State State

	// Current and Total mirror Progress at the time of the snapshot.
	Current int
	Total   int

	// Type is the UR type tag of the payload in progress.
	Type string

	// Result holds the reconstructed payload bytes on success.
	Result []byte

	// Err holds the terminal failure on StateFailed.
	Err error

	// Fragments are the raw fragment strings accumulated so far, in
	// arrival order.
	Fragments []string
}

// IsComplete reports whether the decoder reached a terminal state.
func (s *DecodeSummary) IsComplete() bool {
	return s.State != StateAccumulating
}

// IsSuccess reports whether the payload was reconstructed.
func (s *DecodeSummary) IsSuccess() bool {
	return s.State == StateSucceeded
}

// mixedPart is a fountain coded part still holding more than one unknown
// fragment.
type mixedPart struct {
	indexes []int
	data    []byte
}

// Decoder accumulates UR fragments until the payload they describe can be
// reconstructed. It is a single mutable accumulator: one scan session per
// instance at a time, with calls serialized by the caller.
type Decoder struct {
	urType      string
	checksum    uint32
	seqLen      uint32
	messageLen  uint32
	fragmentLen int

	simple map[int][]byte
	mixed  []*mixedPart

	state  State
	result []byte
	err    error
	raw    []string
}

// NewDecoder returns an empty decoder ready for the first fragment of a
// payload.
func NewDecoder() *Decoder {
	d := &Decoder{}
	d.Reset()

	return d
}

// Reset clears all accumulation state, both normal and failed, so the next
// Receive starts a fresh payload.
func (d *Decoder) Reset() {
	d.urType = ""
	d.checksum = 0
	d.seqLen = 0
	d.messageLen = 0
	d.fragmentLen = 0
	d.simple = make(map[int][]byte)
	d.mixed = nil
	d.state = StateAccumulating
	d.result = nil
	d.err = nil
	d.raw = nil
}

// State returns the decoder's current lifecycle state.
func (d *Decoder) State() State {
	return d.state
}

// Progress returns the accumulation progress for UI rendering.
func (d *Decoder) Progress() Progress {
	return Progress{
		PartsReceived: len(d.simple),
		TotalParts:    int(d.seqLen),
	}
}

// Receive appends one scanned fragment string and attempts reassembly,
// returning a snapshot of the decoder's state. Corrupt fragments and
// fragments belonging to a different payload drive the decoder into
// StateFailed; it stays there, distinguishable from still-accumulating,
// until Reset.
func (d *Decoder) Receive(fragment string) (*DecodeSummary, error) {
	if d.state != StateAccumulating {
		return nil, ErrDecoderDone
	}

	part, err := ParseFragment(fragment)
	if err != nil {
		return d.fail(err), nil
	}

	if err := d.admit(part); err != nil {
		return d.fail(err), nil
	}

	d.raw = append(d.raw, fragment)
	d.absorb(part)
	d.reduce()

	if len(d.simple) == int(d.seqLen) {
		d.finish()
	}

	return d.summary(), nil
}

// admit checks that the fragment belongs to the payload in progress,
// adopting its identity if it is the first one.
func (d *Decoder) admit(part *Fragment) error {
	if d.seqLen == 0 {
		d.urType = part.Type
		d.checksum = part.Checksum
		d.seqLen = part.SeqLen
		d.messageLen = part.MessageLen
		d.fragmentLen = len(part.Data)

		return nil
	}

	if part.Type != d.urType || part.Checksum != d.checksum ||
		part.SeqLen != d.seqLen ||
		part.MessageLen != d.messageLen {

		return fmt.Errorf("%w: got %s/%08x, accumulating %s/%08x",
			ErrFragmentMismatch, part.Type, part.Checksum,
			d.urType, d.checksum)
	}

	// All fragments of one payload share a fixed length. A truncated or
	// padded part with an otherwise matching header would corrupt the XOR
	// accumulator, so it fails the session instead.
	if len(part.Data) != d.fragmentLen {
		return fmt.Errorf("%w: fragment carries %d bytes, payload "+
			"fragments are %d bytes", ErrFragmentMismatch,
			len(part.Data), d.fragmentLen)
	}

	return nil
}

// absorb stores one admitted fragment, reducing mixed parts by the simple
// fragments already known.
func (d *Decoder) absorb(part *Fragment) {
	indexes := chooseFragments(part.SeqNum, d.seqLen, d.checksum)

	data := make([]byte, len(part.Data))
	copy(data, part.Data)

	mp := &mixedPart{indexes: indexes, data: data}
	d.reduceByKnown(mp)

	if len(mp.indexes) == 1 {
		d.promote(mp)
		return
	}

	d.mixed = append(d.mixed, mp)
}

// reduceByKnown XORs out every already recovered fragment from the mixed
// part.
func (d *Decoder) reduceByKnown(mp *mixedPart) {
	remaining := mp.indexes[:0]
	for _, idx := range mp.indexes {
		known, ok := d.simple[idx]
		if !ok {
			remaining = append(remaining, idx)
			continue
		}
		xorInto(mp.data, known)
	}
	mp.indexes = remaining
}

// promote records a fully reduced part as a recovered pure fragment.
func (d *Decoder) promote(mp *mixedPart) {
	idx := mp.indexes[0]
	if _, ok := d.simple[idx]; ok {
		return
	}
	d.simple[idx] = mp.data
}

// reduce iterates belief propagation: every newly recovered fragment may
// unlock further mixed parts.
func (d *Decoder) reduce() {
	for {
		progressed := false

		remaining := d.mixed[:0]
		for _, mp := range d.mixed {
			d.reduceByKnown(mp)

			switch len(mp.indexes) {
			// Fully cancelled parts carry no new information.
			case 0:

			case 1:
				d.promote(mp)
				progressed = true

			default:
				remaining = append(remaining, mp)
			}
		}
		d.mixed = remaining

		if !progressed {
			return
		}
	}
}

// finish assembles the recovered fragments into the payload and verifies
// the declared checksum.
func (d *Decoder) finish() {
	assembled := make([]byte, 0, len(d.simple)*len(d.simple[0]))
	for i := 0; i < int(d.seqLen); i++ {
		assembled = append(assembled, d.simple[i]...)
	}

	if int(d.messageLen) > len(assembled) {
		d.state = StateFailed
		d.err = fmt.Errorf("%w: declared length %d exceeds %d "+
			"assembled bytes", ErrPayloadChecksum, d.messageLen,
			len(assembled))
		return
	}

	message := assembled[:d.messageLen]
	if crc32.ChecksumIEEE(message) != d.checksum {
		d.state = StateFailed
		d.err = ErrPayloadChecksum
		return
	}

	d.state = StateSucceeded
	d.result = message

	log.Debugf("Reconstructed %d byte ur:%s payload from %d fragments",
		len(message), d.urType, len(d.raw))
}

// fail records a terminal decode failure.
func (d *Decoder) fail(err error) *DecodeSummary {
	d.state = StateFailed
	d.err = err

	log.Warnf("UR decode failed after %d fragments: %v", len(d.raw), err)

	return d.summary()
}

// summary snapshots the decoder state. The snapshot owns copies of the
// mutable fields so later Receive calls cannot alter it.
func (d *Decoder) summary() *DecodeSummary {
	raw := make([]string, len(d.raw))
	copy(raw, d.raw)

	var result []byte
	if d.state == StateSucceeded {
		result = make([]byte, len(d.result))
		copy(result, d.result)
	}

	return &DecodeSummary{
		State:     d.state,
		Current:   len(d.simple),
		Total:     int(d.seqLen),
		Type:      d.urType,
		Result:    result,
		Err:       d.err,
		Fragments: raw,
	}
}
