package tfproto

import "fmt"

// Endianness of a tensor bundle.
const (
	LittleEndian int32 = 0
	BigEndian    int32 = 1
)

// BundleHeader is the BundleHeaderProto stored under the empty key of a
// checkpoint index.
type BundleHeader struct {
	NumShards  int32
	Endianness int32
	Producer   int32
}

// BundleEntry locates one tensor inside the checkpoint data shards.
type BundleEntry struct {
	DType   DataType
	Shape   Shape
	ShardID int32
	Offset  int64
	Size    int64
	Crc32c  uint32
	Sliced  bool
}

// UnmarshalBundleHeader decodes a BundleHeaderProto.
func UnmarshalBundleHeader(b []byte) (*BundleHeader, error) {
	h := &BundleHeader{}
	err := eachField("BundleHeaderProto", b, func(f field) error {
		switch f.num {
		case 1:
			h.NumShards = int32(f.u)
		case 2:
			h.Endianness = int32(f.u)
		case 3:
			return eachField("VersionDef", f.b, func(vf field) error {
				if vf.num == 1 {
					h.Producer = int32(vf.u)
				}
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Marshal encodes h as a BundleHeaderProto.
func (h *BundleHeader) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(h.NumShards))
	b = appendVarint(b, 2, uint64(h.Endianness))
	if h.Producer != 0 {
		var v []byte
		v = appendVarint(v, 1, uint64(h.Producer))
		b = appendBytes(b, 3, v)
	}
	return b
}

// UnmarshalBundleEntry decodes a BundleEntryProto.
func UnmarshalBundleEntry(b []byte) (*BundleEntry, error) {
	e := &BundleEntry{}
	err := eachField("BundleEntryProto", b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			e.DType = DataType(f.u)
		case 2:
			e.Shape, err = UnmarshalShape(f.b)
		case 3:
			e.ShardID = int32(f.u)
		case 4:
			e.Offset = int64(f.u)
		case 5:
			e.Size = int64(f.u)
		case 6:
			e.Crc32c = uint32(f.u)
		case 7:
			e.Sliced = true
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Marshal encodes e as a BundleEntryProto.
func (e *BundleEntry) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(e.DType))
	b = appendBytes(b, 2, e.Shape.Marshal())
	b = appendVarint(b, 3, uint64(e.ShardID))
	b = appendVarint(b, 4, uint64(e.Offset))
	b = appendVarint(b, 5, uint64(e.Size))
	if e.Crc32c != 0 {
		b = appendFixed32(b, 6, e.Crc32c)
	}
	return b
}

// TrackableObjectGraph is the object graph serialized into a TF2 checkpoint.
type TrackableObjectGraph struct {
	Nodes []*TrackableObject
}

// TrackableObject is one node of a TrackableObjectGraph.
type TrackableObject struct {
	Children   []ObjectReference
	Attributes []SerializedTensor
}

// ObjectReference is an edge of the object graph.
type ObjectReference struct {
	NodeID    int32
	LocalName string
}

// SerializedTensor links an object attribute to its checkpoint key.
type SerializedTensor struct {
	Name          string
	FullName      string
	CheckpointKey string
}

// UnmarshalTrackableObjectGraph decodes a TrackableObjectGraph.
func UnmarshalTrackableObjectGraph(b []byte) (*TrackableObjectGraph, error) {
	g := &TrackableObjectGraph{}
	err := eachField("TrackableObjectGraph", b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		obj := &TrackableObject{}
		err := eachField("TrackableObject", f.b, func(of field) error {
			switch of.num {
			case 1:
				var ref ObjectReference
				err := eachField("ObjectReference", of.b, func(rf field) error {
					switch rf.num {
					case 1:
						ref.NodeID = int32(rf.u)
					case 2:
						ref.LocalName = string(rf.b)
					}
					return nil
				})
				obj.Children = append(obj.Children, ref)
				return err
			case 2:
				var st SerializedTensor
				err := eachField("SerializedTensor", of.b, func(sf field) error {
					switch sf.num {
					case 1:
						st.Name = string(sf.b)
					case 2:
						st.FullName = string(sf.b)
					case 3:
						st.CheckpointKey = string(sf.b)
					}
					return nil
				})
				obj.Attributes = append(obj.Attributes, st)
				return err
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("object %d: %w", len(g.Nodes), err)
		}
		g.Nodes = append(g.Nodes, obj)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// Marshal encodes g as a TrackableObjectGraph.
func (g *TrackableObjectGraph) Marshal() []byte {
	var b []byte
	for _, n := range g.Nodes {
		var obj []byte
		for _, c := range n.Children {
			var ref []byte
			ref = appendVarint(ref, 1, uint64(c.NodeID))
			ref = appendString(ref, 2, c.LocalName)
			obj = appendBytes(obj, 1, ref)
		}
		for _, a := range n.Attributes {
			var st []byte
			st = appendString(st, 1, a.Name)
			st = appendString(st, 2, a.FullName)
			st = appendString(st, 3, a.CheckpointKey)
			obj = appendBytes(obj, 2, st)
		}
		b = appendBytes(b, 1, obj)
	}
	return b
}
