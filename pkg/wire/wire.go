// Package wire is the byte format of messages between ranks. Data frames
// carry raw float64 rows and nothing else: the receiver already knows, from
// the step's communication plan, which slot each row lands in. Control
// frames carry the per-step topology handshake.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Phase identifies which exchange a message belongs to.
type Phase uint8

const (
	PhaseTopology Phase = iota + 1
	PhaseForward
	PhaseReverseAdjoint
	PhaseReverseForce
)

func (p Phase) String() string {
	switch p {
	case PhaseTopology:
		return "topology"
	case PhaseForward:
		return "forward"
	case PhaseReverseAdjoint:
		return "reverse-adjoint"
	case PhaseReverseForce:
		return "reverse-force"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// Tag versions a message by step, layer and phase. A receiver that gets a
// frame with a different tag than it expects has lost protocol sync.
type Tag struct {
	Step  int64
	Layer int
	Phase Phase
}

func (t Tag) String() string {
	return fmt.Sprintf("step %d layer %d %s", t.Step, t.Layer, t.Phase)
}

// Kind of frame payload.
type Kind uint8

const (
	KindData    Kind = 1
	KindControl Kind = 2
)

const (
	magic      uint16 = 0x4847
	version    uint8  = 1
	HeaderSize        = 24
)

var (
	ErrShortFrame  = errors.New("frame shorter than header")
	ErrBadMagic    = errors.New("frame magic mismatch")
	ErrBadVersion  = errors.New("unsupported frame version")
	ErrLength      = errors.New("frame length mismatch")
	ErrTagMismatch = errors.New("frame tag mismatch")
)

// Header is the fixed frame prefix.
type Header struct {
	Kind   Kind
	Tag    Tag
	Length uint32 // float64 count for data frames, byte count for control frames
}

func putHeader(dst []byte, h Header) {
	binary.LittleEndian.PutUint16(dst[0:], magic)
	dst[2] = version
	dst[3] = byte(h.Kind)
	dst[4] = byte(h.Tag.Phase)
	dst[5], dst[6], dst[7] = 0, 0, 0
	binary.LittleEndian.PutUint64(dst[8:], uint64(h.Tag.Step))
	binary.LittleEndian.PutUint32(dst[16:], uint32(int32(h.Tag.Layer)))
	binary.LittleEndian.PutUint32(dst[20:], h.Length)
}

// ReadHeader parses and checks the frame prefix.
func ReadHeader(src []byte) (Header, error) {
	if len(src) < HeaderSize {
		return Header{}, ErrShortFrame
	}
	if binary.LittleEndian.Uint16(src[0:]) != magic {
		return Header{}, ErrBadMagic
	}
	if src[2] != version {
		return Header{}, fmt.Errorf("%w: %d", ErrBadVersion, src[2])
	}
	return Header{
		Kind: Kind(src[3]),
		Tag: Tag{
			Phase: Phase(src[4]),
			Step:  int64(binary.LittleEndian.Uint64(src[8:])),
			Layer: int(int32(binary.LittleEndian.Uint32(src[16:]))),
		},
		Length: binary.LittleEndian.Uint32(src[20:]),
	}, nil
}

// DataFrameSize is the encoded size of a data frame carrying n values.
func DataFrameSize(n int) int {
	return HeaderSize + 8*n
}

// AppendData appends a data frame for payload to dst.
func AppendData(dst []byte, tag Tag, payload []float64) []byte {
	start := len(dst)
	need := HeaderSize + 8*len(payload)
	dst = growBytes(dst, need)
	frame := dst[start : start+need]
	putHeader(frame, Header{Kind: KindData, Tag: tag, Length: uint32(len(payload))})
	body := frame[HeaderSize:]
	for i, v := range payload {
		binary.LittleEndian.PutUint64(body[8*i:], math.Float64bits(v))
	}
	return dst
}

// DecodeData checks a data frame against the expected tag and length and
// copies its payload into dst.
func DecodeData(src []byte, want Tag, dst []float64) error {
	h, err := ReadHeader(src)
	if err != nil {
		return err
	}
	if h.Kind != KindData {
		return fmt.Errorf("%w: expected data frame, got kind %d", ErrTagMismatch, h.Kind)
	}
	if h.Tag != want {
		return fmt.Errorf("%w: expected %s, got %s", ErrTagMismatch, want, h.Tag)
	}
	if int(h.Length) != len(dst) || len(src) != HeaderSize+8*len(dst) {
		return fmt.Errorf("%w: expected %d values, frame has %d (%d bytes)", ErrLength, len(dst), h.Length, len(src))
	}
	body := src[HeaderSize:]
	for i := range dst {
		dst[i] = math.Float64frombits(binary.LittleEndian.Uint64(body[8*i:]))
	}
	return nil
}

// AppendControl appends a control frame carrying payload.
func AppendControl(dst []byte, tag Tag, payload []byte) []byte {
	start := len(dst)
	dst = growBytes(dst, HeaderSize+len(payload))
	putHeader(dst[start:], Header{Kind: KindControl, Tag: tag, Length: uint32(len(payload))})
	copy(dst[start+HeaderSize:], payload)
	return dst
}

// DecodeControl checks a control frame and returns its payload.
func DecodeControl(src []byte, want Tag) ([]byte, error) {
	h, err := ReadHeader(src)
	if err != nil {
		return nil, err
	}
	if h.Kind != KindControl {
		return nil, fmt.Errorf("%w: expected control frame, got kind %d", ErrTagMismatch, h.Kind)
	}
	if h.Tag != want {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrTagMismatch, want, h.Tag)
	}
	if int(h.Length) != len(src)-HeaderSize {
		return nil, fmt.Errorf("%w: header says %d bytes, frame has %d", ErrLength, h.Length, len(src)-HeaderSize)
	}
	return src[HeaderSize:], nil
}

func growBytes(b []byte, n int) []byte {
	if cap(b)-len(b) < n {
		nb := make([]byte, len(b), len(b)+n)
		copy(nb, b)
		b = nb
	}
	return b[:len(b)+n]
}
