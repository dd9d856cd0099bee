package compression

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Codec tags a compressed block.
type Codec byte

const (
	None Codec = iota
	Snappy
	Zstd
	unknownCodec
)

var ErrBadCodec = errors.New("compression: bad codec")

var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

func (c Codec) Valid() bool {
	return c < unknownCodec
}

func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", byte(c))
	}
}

func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return None, nil
	case "snappy":
		return Snappy, nil
	case "zstd":
		return Zstd, nil
	}
	return None, fmt.Errorf("%w: %q", ErrBadCodec, s)
}

func (c Codec) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Codec) UnmarshalText(b []byte) error {
	v, err := ParseCodec(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// Compress encodes src with c. When compression does not save at least a
// quarter of the input the block is stored plain and None is returned.
func Compress(c Codec, dst, src []byte) ([]byte, Codec) {
	var out []byte
	switch c {
	case Snappy:
		out = snappy.Encode(dst[:cap(dst)], src)
	case Zstd:
		out = zstdEncoder.EncodeAll(src, dst[:0])
	default:
		return append(dst[:0], src...), None
	}

	if len(out) < len(src)-len(src)/4 {
		return out, c
	}
	return append(dst[:0], src...), None
}

// Decompress reverses Compress.
func Decompress(c Codec, dst, src []byte) ([]byte, error) {
	switch c {
	case None:
		return append(dst[:0], src...), nil
	case Snappy:
		n, err := snappy.DecodedLen(src)
		if err != nil {
			return nil, fmt.Errorf("failed to read snappy length: %w", err)
		}
		if cap(dst) < n {
			dst = make([]byte, n)
		}
		out, err := snappy.Decode(dst[:n], src)
		if err != nil {
			return nil, fmt.Errorf("failed to decode snappy block: %w", err)
		}
		return out, nil
	case Zstd:
		out, err := zstdDecoder.DecodeAll(src, dst[:0])
		if err != nil {
			return nil, fmt.Errorf("failed to decode zstd block: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrBadCodec, byte(c))
}
