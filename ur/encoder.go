package ur

import (
	"errors"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

const (
	// Scheme is the URI scheme prefix every fragment string carries.
	Scheme = "ur"
)

var (
	// ErrFragmentSyntax is returned when a fragment string cannot be
	// parsed: wrong scheme, malformed sequence indicator, bad bytewords
	// or bad part CBOR.
	ErrFragmentSyntax = errors.New("unparseable UR fragment")

	// ErrInvalidType is returned when a UR type string contains
	// characters outside lowercase letters, digits and dashes.
	ErrInvalidType = errors.New("invalid UR type")
)

// Fragment is one transport codec part. Parts numbered 1..SeqLen carry the
// payload fragments in order; higher numbered parts carry deterministic
// XOR mixtures that let a scanner reconstruct the payload from an
// incomplete or unordered sequence.
type Fragment struct {
	// Type is the UR type tag, e.g. "bytes" or "crypto-psbt". It binds
	// the fragment to a structured decoder, applied only after full
	// reassembly.
	Type string

	// SeqNum is the 1-based sequence number of this part.
	SeqNum uint32

	// SeqLen is the number of pure fragments the payload splits into.
	SeqLen uint32

	// MessageLen is the unpadded payload length in bytes.
	MessageLen uint32

	// Checksum is the CRC32 of the whole payload. It doubles as the
	// shared payload identifier: every fragment of one logical payload
	// carries the same value.
	Checksum uint32

	// Data is the fragment payload: a pure fragment for SeqNum <=
	// SeqLen, an XOR mixture otherwise.
	Data []byte
}

// fragmentBody is the wire CBOR structure of one multi-part fragment.
type fragmentBody struct {
	_ struct{} `cbor:",toarray"`

	SeqNum     uint32
	SeqLen     uint32
	MessageLen uint32
	Checksum   uint32
	Data       []byte
}

// checkType validates a UR type tag.
func checkType(urType string) error {
	if urType == "" {
		return fmt.Errorf("%w: empty", ErrInvalidType)
	}
	for _, r := range urType {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidType, urType)
		}
	}

	return nil
}

// String renders the fragment in the UR text form suitable for a QR code:
// scheme, type, sequence indicator and minimal bytewords body. Single
// fragment payloads use the short form with no sequence indicator.
func (f *Fragment) String() string {
	if f.SeqLen == 1 {
		return Scheme + ":" + f.Type + "/" + bytewordsEncode(f.Data)
	}

	body, err := cbor.Marshal(&fragmentBody{
		SeqNum:     f.SeqNum,
		SeqLen:     f.SeqLen,
		MessageLen: f.MessageLen,
		Checksum:   f.Checksum,
		Data:       f.Data,
	})
	if err != nil {
		// Marshaling a fixed shape of integers and bytes cannot
		// fail.
		panic(err)
	}

	return fmt.Sprintf("%s:%s/%d-%d/%s", Scheme, f.Type, f.SeqNum,
		f.SeqLen, bytewordsEncode(body))
}

// ParseFragment parses a UR fragment string in either the single part or
// the multi part form.
func ParseFragment(s string) (*Fragment, error) {
	lower := strings.ToLower(strings.TrimSpace(s))
	rest, ok := strings.CutPrefix(lower, Scheme+":")
	if !ok {
		return nil, fmt.Errorf("%w: missing %q scheme in %q",
			ErrFragmentSyntax, Scheme, s)
	}

	parts := strings.Split(rest, "/")
	switch len(parts) {
	// Single part form: ur:type/body.
	case 2:
		urType, body := parts[0], parts[1]
		if err := checkType(urType); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFragmentSyntax,
				err)
		}

		data, err := bytewordsDecode(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFragmentSyntax,
				err)
		}

		return &Fragment{
			Type:       urType,
			SeqNum:     1,
			SeqLen:     1,
			MessageLen: uint32(len(data)),
			Checksum:   crc32.ChecksumIEEE(data),
			Data:       data,
		}, nil

	// Multi part form: ur:type/seq-len/body.
	case 3:
		urType, seq, body := parts[0], parts[1], parts[2]
		if err := checkType(urType); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFragmentSyntax,
				err)
		}

		seqNum, seqLen, err := parseSeqIndicator(seq)
		if err != nil {
			return nil, err
		}

		raw, err := bytewordsDecode(body)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFragmentSyntax,
				err)
		}

		var wire fragmentBody
		if err := cbor.Unmarshal(raw, &wire); err != nil {
			return nil, fmt.Errorf("%w: bad part cbor: %v",
				ErrFragmentSyntax, err)
		}

		// The sequence indicator outside the bytewords body is a
		// human readable duplicate of the CBOR fields; both must
		// agree.
		if wire.SeqNum != seqNum || wire.SeqLen != seqLen {
			return nil, fmt.Errorf("%w: sequence indicator "+
				"%d-%d disagrees with part body %d-%d",
				ErrFragmentSyntax, seqNum, seqLen,
				wire.SeqNum, wire.SeqLen)
		}

		return &Fragment{
			Type:       urType,
			SeqNum:     wire.SeqNum,
			SeqLen:     wire.SeqLen,
			MessageLen: wire.MessageLen,
			Checksum:   wire.Checksum,
			Data:       wire.Data,
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrFragmentSyntax, s)
	}
}

// parseSeqIndicator parses the "seqNum-seqLen" component.
func parseSeqIndicator(s string) (uint32, uint32, error) {
	first, second, ok := strings.Cut(s, "-")
	if !ok {
		return 0, 0, fmt.Errorf("%w: bad sequence indicator %q",
			ErrFragmentSyntax, s)
	}

	seqNum, err := strconv.ParseUint(first, 10, 32)
	if err != nil || seqNum == 0 {
		return 0, 0, fmt.Errorf("%w: bad sequence number %q",
			ErrFragmentSyntax, first)
	}

	seqLen, err := strconv.ParseUint(second, 10, 32)
	if err != nil || seqLen == 0 {
		return 0, 0, fmt.Errorf("%w: bad sequence length %q",
			ErrFragmentSyntax, second)
	}

	return uint32(seqNum), uint32(seqLen), nil
}

// Encode fragments a payload into the minimal set of pure UR parts:
// ceil(len(message)/maxFragmentLen) fragments, each the same size. Use
// EncodeWithRedundancy to add mixed parts for lossy scan sequences.
func Encode(urType string, message []byte,
	maxFragmentLen int) ([]*Fragment, error) {

	return EncodeWithRedundancy(urType, message, maxFragmentLen, 0)
}

// EncodeWithRedundancy fragments a payload and appends extraParts
// additional fountain coded parts beyond the minimal set. The extra parts
// mix pseudo-randomly chosen fragments so a scanner that missed some pure
// parts can still finish without waiting for a full second pass of the
// animation.
func EncodeWithRedundancy(urType string, message []byte, maxFragmentLen,
	extraParts int) ([]*Fragment, error) {

	if err := checkType(urType); err != nil {
		return nil, err
	}
	if len(message) == 0 {
		return nil, fmt.Errorf("empty payload")
	}

	fragmentLen := fragmentLength(len(message), maxFragmentLen)
	fragments := partitionMessage(message, fragmentLen)
	checksum := crc32.ChecksumIEEE(message)
	seqLen := uint32(len(fragments))

	parts := make([]*Fragment, 0, int(seqLen)+extraParts)
	for i, data := range fragments {
		parts = append(parts, &Fragment{
			Type:       urType,
			SeqNum:     uint32(i + 1),
			SeqLen:     seqLen,
			MessageLen: uint32(len(message)),
			Checksum:   checksum,
			Data:       data,
		})
	}

	for i := 0; i < extraParts; i++ {
		seqNum := seqLen + uint32(i) + 1
		mixed := make([]byte, fragmentLen)
		for _, idx := range chooseFragments(seqNum, seqLen, checksum) {
			xorInto(mixed, fragments[idx])
		}

		parts = append(parts, &Fragment{
			Type:       urType,
			SeqNum:     seqNum,
			SeqLen:     seqLen,
			MessageLen: uint32(len(message)),
			Checksum:   checksum,
			Data:       mixed,
		})
	}

	return parts, nil
}

// FragmentStrings renders a set of fragments to their QR text form.
func FragmentStrings(parts []*Fragment) []string {
	out := make([]string, len(parts))
	for i, part := range parts {
		out[i] = part.String()
	}

	return out
}
