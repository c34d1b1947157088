package checkpoint

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"slices"

	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/table"

	"github.com/ekisa-team/tfconv/internal/tfproto"
)

// Writer builds a single-shard tensor bundle.
type Writer struct {
	prefix  string
	data    bytes.Buffer
	entries map[string]*tfproto.BundleEntry
}

// NewWriter returns a writer for the bundle at prefix.
func NewWriter(prefix string) *Writer {
	return &Writer{
		prefix:  prefix,
		entries: make(map[string]*tfproto.BundleEntry),
	}
}

// Add appends tensor t under key.
func (w *Writer) Add(key string, t *tfproto.Tensor) error {
	if key == "" {
		return fmt.Errorf("checkpoint: empty key")
	}
	if _, ok := w.entries[key]; ok {
		return fmt.Errorf("checkpoint: duplicate key %q", key)
	}

	var (
		raw []byte
		crc uint32
	)
	if t.DType.Base() == tfproto.DTString {
		raw, crc = encodeStrings(t.Strings)
	} else {
		raw = t.Content
		crc = crc32.Checksum(raw, castagnoli)
	}

	w.entries[key] = &tfproto.BundleEntry{
		DType:  t.DType,
		Shape:  t.Shape,
		Offset: int64(w.data.Len()),
		Size:   int64(len(raw)),
		Crc32c: mask(crc),
	}
	w.data.Write(raw)

	return nil
}

// AddObjectGraph stores the trackable object graph of a TF2 checkpoint.
func (w *Writer) AddObjectGraph(g *tfproto.TrackableObjectGraph) error {
	return w.Add(ObjectGraphKey, tfproto.NewStringTensor(g.Marshal()))
}

// Finish writes the data shard and the index.
func (w *Writer) Finish() error {
	if err := os.MkdirAll(filepath.Dir(w.prefix), 0o755); err != nil {
		return fmt.Errorf("checkpoint: failed to create directory: %w", err)
	}

	if err := os.WriteFile(DataPath(w.prefix, 0, 1), w.data.Bytes(), 0o644); err != nil {
		return fmt.Errorf("checkpoint: failed to write data shard: %w", err)
	}

	f, err := os.Create(IndexPath(w.prefix))
	if err != nil {
		return fmt.Errorf("checkpoint: failed to create index: %w", err)
	}
	defer f.Close()

	tw := table.NewWriter(f, &opt.Options{Compression: opt.NoCompression})

	header := &tfproto.BundleHeader{NumShards: 1, Endianness: tfproto.LittleEndian}
	if err := tw.Append([]byte{}, header.Marshal()); err != nil {
		return fmt.Errorf("checkpoint: failed to write header: %w", err)
	}

	keys := make([]string, 0, len(w.entries))
	for k := range w.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		if err := tw.Append([]byte(k), w.entries[k].Marshal()); err != nil {
			return fmt.Errorf("checkpoint: failed to write entry %q: %w", k, err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("checkpoint: failed to finish index: %w", err)
	}

	return f.Close()
}

func encodeStrings(strs [][]byte) ([]byte, uint32) {
	var (
		out []byte
		crc uint32
		buf [8]byte
	)
	for _, s := range strs {
		out = binary.AppendUvarint(out, uint64(len(s)))
		binary.LittleEndian.PutUint64(buf[:], uint64(len(s)))
		crc = crc32.Update(crc, castagnoli, buf[:])
	}
	if len(strs) > 0 {
		out = binary.LittleEndian.AppendUint32(out, mask(crc))
		crc = crc32.Update(crc, castagnoli, out[len(out)-4:])
	}
	for _, s := range strs {
		out = append(out, s...)
		crc = crc32.Update(crc, castagnoli, s)
	}
	return out, crc
}
