package model

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/exp/mmap"

	"github.com/dd0wney/gnn-halo/pkg/fault"
)

// Layer file layout, snappy compressed on disk:
//
//	magic   [4]byte "GNNL"
//	version uint16
//	flags   uint16  (1 = embedding follows, 2 = readout follows)
//	index   uint32
//	width   uint32
//	species uint32
//	[embedding species*width] W width*width, U width*width, B width
//	[readout width, shift species]
//
// all integers and float64s little endian.
const (
	layerMagic   = "GNNL"
	layerVersion = 1
	layerHeader  = 20

	flagEmbedding = 1
	flagReadout   = 2
)

var errLayerFile = errors.New("malformed layer file")

// LayerFileName is the conventional file name of layer k.
func LayerFileName(k int) string {
	return fmt.Sprintf("layer_%03d.bin", k)
}

func encodeLayer(m *Model, k int) []byte {
	w, ns := m.Width, len(m.Species)
	l := &m.Layers[k]
	var flags uint16
	n := 2*w*w + w
	if k == 0 {
		flags |= flagEmbedding
		n += ns * w
	}
	if k == len(m.Layers)-1 {
		flags |= flagReadout
		n += w + ns
	}

	buf := make([]byte, layerHeader, layerHeader+8*n)
	copy(buf, layerMagic)
	binary.LittleEndian.PutUint16(buf[4:], layerVersion)
	binary.LittleEndian.PutUint16(buf[6:], flags)
	binary.LittleEndian.PutUint32(buf[8:], uint32(k))
	binary.LittleEndian.PutUint32(buf[12:], uint32(w))
	binary.LittleEndian.PutUint32(buf[16:], uint32(ns))

	put := func(vals []float64) {
		for _, v := range vals {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
		}
	}
	if flags&flagEmbedding != 0 {
		put(m.Embedding)
	}
	put(l.W)
	put(l.U)
	put(l.B)
	if flags&flagReadout != 0 {
		put(m.Readout)
		put(m.Shift)
	}
	return snappy.Encode(nil, buf)
}

type layerReader struct {
	buf []byte
}

func (r *layerReader) floats(n int) ([]float64, error) {
	if len(r.buf) < 8*n {
		return nil, fmt.Errorf("%w: truncated payload", errLayerFile)
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(r.buf[8*i:]))
	}
	r.buf = r.buf[8*n:]
	return out, nil
}

// decodeLayer parses layer k of a model of the given width and species
// count into m.
func decodeLayer(compressed []byte, k, last int, m *Model) error {
	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		return fmt.Errorf("%w: %v", errLayerFile, err)
	}
	if len(raw) < layerHeader || string(raw[:4]) != layerMagic {
		return fmt.Errorf("%w: bad header", errLayerFile)
	}
	if v := binary.LittleEndian.Uint16(raw[4:]); v != layerVersion {
		return fmt.Errorf("%w: version %d", errLayerFile, v)
	}
	flags := binary.LittleEndian.Uint16(raw[6:])
	index := int(binary.LittleEndian.Uint32(raw[8:]))
	w := int(binary.LittleEndian.Uint32(raw[12:]))
	ns := int(binary.LittleEndian.Uint32(raw[16:]))
	switch {
	case index != k:
		return fmt.Errorf("%w: file holds layer %d", errLayerFile, index)
	case w != m.Width || ns != len(m.Species):
		return fmt.Errorf("%w: width %d species %d, metadata says %d and %d", errLayerFile, w, ns, m.Width, len(m.Species))
	case (flags&flagEmbedding != 0) != (k == 0):
		return fmt.Errorf("%w: embedding flag on layer %d", errLayerFile, k)
	case (flags&flagReadout != 0) != (k == last):
		return fmt.Errorf("%w: readout flag on layer %d", errLayerFile, k)
	}

	r := &layerReader{buf: raw[layerHeader:]}
	if flags&flagEmbedding != 0 {
		if m.Embedding, err = r.floats(ns * w); err != nil {
			return err
		}
	}
	l := &m.Layers[k]
	if l.W, err = r.floats(w * w); err != nil {
		return err
	}
	if l.U, err = r.floats(w * w); err != nil {
		return err
	}
	if l.B, err = r.floats(w); err != nil {
		return err
	}
	if flags&flagReadout != 0 {
		if m.Readout, err = r.floats(w); err != nil {
			return err
		}
		if m.Shift, err = r.floats(ns); err != nil {
			return err
		}
	}
	if len(r.buf) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", errLayerFile, len(r.buf))
	}
	return nil
}

// Save writes m as an artifact directory: model.yaml plus one file per
// layer. The hash tag is computed over the layer files and stored in m.
func Save(dir string, m *Model) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}

	h, _ := blake2b.New256(nil)
	md := &Metadata{
		Version: FormatVersion,
		Width:   m.Width,
		Species: m.Species,
		Layers:  make([]LayerMeta, len(m.Layers)),
	}
	for k := range m.Layers {
		data := encodeLayer(m, k)
		h.Write(data)
		name := LayerFileName(k)
		if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
		md.Layers[k] = LayerMeta{File: name, Cutoff: m.Layers[k].Cutoff}
	}
	md.Hash = hex.EncodeToString(h.Sum(nil))
	m.Hash = md.Hash
	if m.Version == "" {
		m.Version = FormatVersion
	}
	return writeMetadata(filepath.Join(dir, MetadataFile), md)
}

// Load reads the artifact in dir, taking layer files from the metadata.
func Load(dir string) (*Model, error) {
	md, err := ReadMetadata(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, err
	}
	files := make([]string, len(md.Layers))
	for k, l := range md.Layers {
		files[k] = filepath.Join(dir, l.File)
	}
	return load(md, files)
}

// LoadFiles reads a model from explicit per-layer file paths, in layer
// order, described by the metadata at metaPath. The number of files must
// match the metadata's layer count.
func LoadFiles(metaPath string, files []string) (*Model, error) {
	md, err := ReadMetadata(metaPath)
	if err != nil {
		return nil, err
	}
	if len(files) != len(md.Layers) {
		return nil, fault.Configurationf("load model", "%d layer files supplied, metadata declares %d layers", len(files), len(md.Layers))
	}
	return load(md, files)
}

func load(md *Metadata, files []string) (*Model, error) {
	m := &Model{
		Version: md.Version,
		Width:   md.Width,
		Species: append([]string(nil), md.Species...),
		Layers:  make([]Layer, len(md.Layers)),
		Hash:    md.Hash,
	}
	h, _ := blake2b.New256(nil)
	for k, path := range files {
		data, err := readMapped(path)
		if err != nil {
			return nil, fault.New(fault.KindConfiguration, "load model").Layer(k).Cause(err).Err()
		}
		h.Write(data)
		m.Layers[k].Cutoff = md.Layers[k].Cutoff
		if err := decodeLayer(data, k, len(files)-1, m); err != nil {
			return nil, fault.New(fault.KindConfiguration, "load model").Layer(k).Causef("%s: %w", path, err).Err()
		}
	}
	if got := hex.EncodeToString(h.Sum(nil)); got != md.Hash {
		return nil, fault.Configurationf("load model", "hash mismatch: metadata %s, files %s", md.Hash, got)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// readMapped copies a whole file out of a read-only memory map.
func readMapped(path string) ([]byte, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	buf := make([]byte, r.Len())
	if _, err := r.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf, nil
}
