package ur

import (
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
)

var (
	// ErrBytewords is returned when a bytewords string cannot be decoded:
	// odd length, an unknown letter pair, or a checksum failure.
	ErrBytewords = errors.New("invalid bytewords")
)

// bytewordsList is the Blockchain Commons bytewords table: 256 four letter
// words whose (first, last) letter pairs are unique, so the minimal
// encoding used inside UR fragments spends exactly two characters per
// byte.
var bytewordsList = []string{
	"able", "acid", "also", "apex", "aqua", "arch", "atom", "aunt",
	"away", "axis", "back", "bald", "barn", "belt", "beta", "bias",
	"blue", "body", "brag", "brew", "bulb", "buzz", "calm", "cash",
	"cats", "chef", "city", "claw", "code", "cola", "cook", "cost",
	"crux", "curl", "cusp", "cyan", "dark", "data", "days", "deli",
	"dice", "diet", "door", "down", "draw", "drop", "drum", "dull",
	"duty", "each", "easy", "echo", "edge", "epic", "even", "exam",
	"exit", "eyes", "fact", "fair", "fern", "figs", "film", "fish",
	"fizz", "flap", "flew", "flux", "foxy", "free", "frog", "fuel",
	"fund", "gala", "game", "gear", "gems", "gift", "girl", "glow",
	"good", "gray", "grim", "guru", "gush", "gyro", "half", "hang",
	"hard", "hawk", "heat", "help", "high", "hill", "holy", "hope",
	"horn", "huts", "iced", "idea", "idle", "inch", "inky", "into",
	"iris", "iron", "item", "jade", "jazz", "join", "jolt", "jowl",
	"judo", "jugs", "jump", "junk", "jury", "keep", "keno", "kept",
	"keys", "kick", "kiln", "king", "kite", "kiwi", "knob", "lamb",
	"lava", "lazy", "leaf", "legs", "liar", "limp", "lion", "list",
	"logo", "loud", "love", "luau", "luck", "lung", "main", "many",
	"math", "maze", "memo", "menu", "meow", "mild", "mint", "miss",
	"monk", "nail", "navy", "need", "news", "next", "noon", "note",
	"numb", "obey", "oboe", "omit", "onyx", "open", "oval", "owls",
	"paid", "part", "peck", "play", "plus", "poem", "pool", "pose",
	"puff", "puma", "purr", "quad", "quiz", "race", "ramp", "real",
	"redo", "rich", "road", "rock", "roof", "ruby", "ruin", "runs",
	"rust", "safe", "saga", "scar", "sets", "silk", "skew", "slot",
	"soap", "solo", "song", "stub", "surf", "swan", "taco", "task",
	"taxi", "tent", "tied", "time", "tiny", "toil", "tomb", "toys",
	"trip", "tuna", "twin", "ugly", "undo", "unit", "urge", "user",
	"vast", "very", "veto", "vial", "vibe", "view", "visa", "void",
	"vows", "wall", "wand", "warm", "wasp", "wave", "waxy", "webs",
	"what", "when", "whiz", "wolf", "work", "yank", "yawn", "yell",
	"yoga", "yurt", "zaps", "zero", "zest", "zinc", "zone", "zoom",
}

// minimalToByte maps a two letter minimal byteword to its byte value.
var minimalToByte = func() map[string]byte {
	m := make(map[string]byte, len(bytewordsList))
	for i, word := range bytewordsList {
		key := word[:1] + word[3:]
		m[key] = byte(i)
	}

	return m
}()

// bytewordsEncode renders data in the minimal bytewords encoding with the
// standard 4 byte CRC32 suffix appended before encoding.
func bytewordsEncode(data []byte) string {
	crc := crc32.ChecksumIEEE(data)
	buf := make([]byte, 0, len(data)+4)
	buf = append(buf, data...)
	buf = append(buf,
		byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))

	var b strings.Builder
	b.Grow(len(buf) * 2)
	for _, v := range buf {
		word := bytewordsList[v]
		b.WriteByte(word[0])
		b.WriteByte(word[3])
	}

	return b.String()
}

// bytewordsDecode parses a minimal bytewords string, verifying and
// stripping the trailing CRC32.
func bytewordsDecode(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("%w: odd length %d", ErrBytewords,
			len(s))
	}

	buf := make([]byte, 0, len(s)/2)
	for i := 0; i < len(s); i += 2 {
		v, ok := minimalToByte[strings.ToLower(s[i:i+2])]
		if !ok {
			return nil, fmt.Errorf("%w: unknown word %q",
				ErrBytewords, s[i:i+2])
		}
		buf = append(buf, v)
	}

	if len(buf) < 5 {
		return nil, fmt.Errorf("%w: too short", ErrBytewords)
	}

	data, tail := buf[:len(buf)-4], buf[len(buf)-4:]
	crc := crc32.ChecksumIEEE(data)
	want := uint32(tail[0])<<24 | uint32(tail[1])<<16 |
		uint32(tail[2])<<8 | uint32(tail[3])
	if crc != want {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrBytewords)
	}

	return data, nil
}
