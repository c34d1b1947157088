// Package checkpoint reads and writes TensorFlow tensor bundles, the format
// SavedModels use for their variables. A bundle is a LevelDB-format table
// (<prefix>.index) mapping tensor names to BundleEntryProtos, plus one or more
// data shards (<prefix>.data-NNNNN-of-NNNNN) holding the raw tensor bytes.
package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/table"

	"github.com/ekisa-team/tfconv/internal/tfproto"
)

// ObjectGraphKey is the checkpoint key holding the serialized
// TrackableObjectGraph of TF2 checkpoints.
const ObjectGraphKey = "_CHECKPOINTABLE_OBJECT_GRAPH"

// VariableValueAttr is the attribute name of a variable's value in the
// trackable object graph.
const VariableValueAttr = "VARIABLE_VALUE"

const maxOpenShards = 8

// Error definitions for the checkpoint package.
var (
	ErrNotFound = errors.New("checkpoint: tensor not found")
	ErrCorrupt  = errors.New("checkpoint: corrupt bundle")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Reader reads tensors from a tensor bundle.
type Reader struct {
	prefix    string
	header    *tfproto.BundleHeader
	indexFile *os.File
	index     *table.Reader
	shards    *lru.Cache[int32, *os.File]
}

// IndexPath returns the index file path of the bundle at prefix.
func IndexPath(prefix string) string {
	return prefix + ".index"
}

// DataPath returns the path of data shard id of a bundle with numShards shards.
func DataPath(prefix string, id, numShards int32) string {
	return fmt.Sprintf("%s.data-%05d-of-%05d", prefix, id, numShards)
}

// Open opens the bundle whose files share prefix.
func Open(prefix string) (*Reader, error) {
	f, err := os.Open(IndexPath(prefix))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: failed to open index: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("checkpoint: failed to stat index: %w", err)
	}

	index, err := table.NewReader(f, info.Size(), storage.FileDesc{Type: storage.TypeTable}, nil, nil, nil)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: index: %v", ErrCorrupt, err)
	}

	r := &Reader{
		prefix:    prefix,
		indexFile: f,
		index:     index,
	}

	raw, err := index.Get([]byte{}, nil)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("%w: missing bundle header: %v", ErrCorrupt, err)
	}

	r.header, err = tfproto.UnmarshalBundleHeader(raw)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("%w: bundle header: %v", ErrCorrupt, err)
	}
	if r.header.Endianness != tfproto.LittleEndian {
		r.Close()
		return nil, fmt.Errorf("%w: big-endian bundles are not supported", ErrCorrupt)
	}

	r.shards, err = lru.NewWithEvict(maxOpenShards, func(id int32, f *os.File) {
		if err := f.Close(); err != nil {
			slog.Warn("Failed to close checkpoint shard", "prefix", prefix, "shard", id, "error", err)
		}
	})
	if err != nil {
		r.Close()
		return nil, err
	}

	return r, nil
}

// Close releases the index and every open data shard.
func (r *Reader) Close() error {
	if r.shards != nil {
		r.shards.Purge()
	}
	if r.index != nil {
		r.index.Release()
	}
	return r.indexFile.Close()
}

// NumShards returns the number of data shards.
func (r *Reader) NumShards() int32 {
	return r.header.NumShards
}

// Keys returns every tensor key of the bundle in sorted order.
func (r *Reader) Keys() ([]string, error) {
	it := r.index.NewIterator(nil, nil)
	defer it.Release()

	var keys []string
	for it.Next() {
		if len(it.Key()) == 0 {
			continue
		}
		keys = append(keys, string(it.Key()))
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("%w: index iteration: %v", ErrCorrupt, err)
	}

	return keys, nil
}

// Has reports whether key is present in the bundle.
func (r *Reader) Has(key string) bool {
	_, err := r.Entry(key)
	return err == nil
}

// Entry returns the index entry of key.
func (r *Reader) Entry(key string) (*tfproto.BundleEntry, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: empty key", ErrNotFound)
	}

	raw, err := r.index.Get([]byte(key), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}

	entry, err := tfproto.UnmarshalBundleEntry(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: entry %q: %v", ErrCorrupt, key, err)
	}

	return entry, nil
}

// Tensor reads and decodes the tensor stored under key.
func (r *Reader) Tensor(key string) (*tfproto.Tensor, error) {
	entry, err := r.Entry(key)
	if err != nil {
		return nil, err
	}
	if entry.Sliced {
		return nil, fmt.Errorf("%w: %q is a partitioned tensor", ErrCorrupt, key)
	}
	if entry.ShardID < 0 || entry.ShardID >= r.header.NumShards {
		return nil, fmt.Errorf("%w: %q references shard %d of %d", ErrCorrupt, key, entry.ShardID, r.header.NumShards)
	}

	shard, err := r.shard(entry.ShardID)
	if err != nil {
		return nil, err
	}

	data := make([]byte, entry.Size)
	if _, err := shard.ReadAt(data, entry.Offset); err != nil {
		return nil, fmt.Errorf("%w: reading %q: %v", ErrCorrupt, key, err)
	}

	t := &tfproto.Tensor{DType: entry.DType, Shape: entry.Shape}
	if entry.DType.Base() == tfproto.DTString {
		strs, crc, err := decodeStrings(data, entry.Shape.NumElements())
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrCorrupt, key, err)
		}
		if entry.Crc32c != 0 && mask(crc) != entry.Crc32c {
			return nil, fmt.Errorf("%w: %q: checksum mismatch", ErrCorrupt, key)
		}
		t.Strings = strs
		return t, nil
	}

	if entry.Crc32c != 0 && mask(crc32.Checksum(data, castagnoli)) != entry.Crc32c {
		return nil, fmt.Errorf("%w: %q: checksum mismatch", ErrCorrupt, key)
	}
	if want := entry.Shape.NumElements() * int64(entry.DType.Size()); want != entry.Size {
		return nil, fmt.Errorf("%w: %q: %d bytes for shape %s of %s", ErrCorrupt, key, entry.Size, entry.Shape, entry.DType)
	}
	t.Content = data

	return t, nil
}

// VariableKeys maps variable names to checkpoint keys using the trackable
// object graph. Checkpoints without an object graph yield an empty map.
func (r *Reader) VariableKeys() (map[string]string, *tfproto.TrackableObjectGraph, error) {
	keys := make(map[string]string)
	if !r.Has(ObjectGraphKey) {
		return keys, nil, nil
	}

	t, err := r.Tensor(ObjectGraphKey)
	if err != nil {
		return nil, nil, err
	}
	if len(t.Strings) != 1 {
		return nil, nil, fmt.Errorf("%w: object graph holds %d values", ErrCorrupt, len(t.Strings))
	}

	graph, err := tfproto.UnmarshalTrackableObjectGraph(t.Strings[0])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: object graph: %v", ErrCorrupt, err)
	}

	for _, node := range graph.Nodes {
		for _, attr := range node.Attributes {
			if attr.Name == VariableValueAttr && attr.FullName != "" {
				keys[attr.FullName] = attr.CheckpointKey
			}
		}
	}

	return keys, graph, nil
}

func (r *Reader) shard(id int32) (*os.File, error) {
	if f, ok := r.shards.Get(id); ok {
		return f, nil
	}

	path := DataPath(r.prefix, id, r.header.NumShards)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: failed to open data shard: %w", err)
	}
	r.shards.Add(id, f)

	return f, nil
}

// decodeStrings parses a string tensor: varint lengths, the masked crc32c of
// the lengths, then the string bytes. It returns the running crc32c of the
// whole record as TensorFlow computes it.
func decodeStrings(data []byte, n int64) ([][]byte, uint32, error) {
	if n < 0 {
		return nil, 0, errors.New("string tensor with unknown shape")
	}

	var crc uint32
	lengths := make([]uint64, n)
	var buf [8]byte
	for i := range lengths {
		l, k := binary.Uvarint(data)
		if k <= 0 {
			return nil, 0, errors.New("bad string length")
		}
		lengths[i] = l
		data = data[k:]
		binary.LittleEndian.PutUint64(buf[:], l)
		crc = crc32.Update(crc, castagnoli, buf[:])
	}

	if n > 0 {
		if len(data) < 4 {
			return nil, 0, errors.New("missing length checksum")
		}
		if binary.LittleEndian.Uint32(data) != mask(crc) {
			return nil, 0, errors.New("length checksum mismatch")
		}
		crc = crc32.Update(crc, castagnoli, data[:4])
		data = data[4:]
	}

	out := make([][]byte, n)
	for i, l := range lengths {
		if uint64(len(data)) < l {
			return nil, 0, errors.New("string data truncated")
		}
		out[i] = data[:l:l]
		crc = crc32.Update(crc, castagnoli, out[i])
		data = data[l:]
	}

	return out, crc, nil
}

// mask applies the crc32c masking TensorFlow uses for stored checksums.
func mask(crc uint32) uint32 {
	return ((crc >> 15) | (crc << 17)) + 0xa282ead8
}
