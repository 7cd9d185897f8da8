package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/golang/snappy"
)

// ErrCorruptRequest is returned for undecodable topology requests.
var ErrCorruptRequest = errors.New("corrupt topology request")

// EncodeRequest packs, per layer, the ordered tags a rank needs from one
// peer. Tags are delta/zigzag varint coded and the result snappy compressed.
func EncodeRequest(layers [][]int64) []byte {
	buf := make([]byte, 0, 16)
	buf = binary.AppendUvarint(buf, uint64(len(layers)))
	for _, tags := range layers {
		buf = binary.AppendUvarint(buf, uint64(len(tags)))
		var prev int64
		for _, t := range tags {
			buf = binary.AppendVarint(buf, t-prev)
			prev = t
		}
	}
	return snappy.Encode(nil, buf)
}

// DecodeRequest reverses EncodeRequest.
func DecodeRequest(b []byte) ([][]int64, error) {
	raw, err := snappy.Decode(nil, b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRequest, err)
	}
	r := &varintReader{buf: raw}
	nLayers := r.uvarint()
	if r.err != nil || nLayers > uint64(len(raw)) {
		return nil, fmt.Errorf("%w: bad layer count", ErrCorruptRequest)
	}
	layers := make([][]int64, nLayers)
	for k := range layers {
		n := r.uvarint()
		if r.err != nil || n > uint64(len(raw)) {
			return nil, fmt.Errorf("%w: bad list length in layer %d", ErrCorruptRequest, k)
		}
		tags := make([]int64, n)
		var prev int64
		for i := range tags {
			prev += r.varint()
			tags[i] = prev
		}
		if r.err != nil {
			return nil, fmt.Errorf("%w: truncated layer %d", ErrCorruptRequest, k)
		}
		layers[k] = tags
	}
	if len(r.buf) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptRequest, len(r.buf))
	}
	return layers, nil
}

type varintReader struct {
	buf []byte
	err error
}

func (r *varintReader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		r.err = ErrCorruptRequest
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *varintReader) varint() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.buf)
	if n <= 0 {
		r.err = ErrCorruptRequest
		return 0
	}
	r.buf = r.buf[n:]
	return v
}
