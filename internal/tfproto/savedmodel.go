package tfproto

import (
	"fmt"
	"slices"
)

// SavedModel is the root message of saved_model.pb.
type SavedModel struct {
	SchemaVersion int64
	MetaGraphs    []*MetaGraphDef
}

// MetaGraphDef is one tagged graph of a SavedModel.
type MetaGraphDef struct {
	Tags              []string
	TensorflowVersion string
	Graph             *GraphDef
	Signatures        map[string]*SignatureDef
	ObjectGraph       *SavedObjectGraph
}

// HasTags reports whether m carries every tag in tags.
func (m *MetaGraphDef) HasTags(tags []string) bool {
	for _, t := range tags {
		if !slices.Contains(m.Tags, t) {
			return false
		}
	}
	return true
}

// SignatureDef describes a callable entry point of a MetaGraph.
type SignatureDef struct {
	Inputs     map[string]*TensorInfo
	Outputs    map[string]*TensorInfo
	MethodName string
}

// TensorInfo names a graph tensor bound to a signature argument.
type TensorInfo struct {
	Name  string
	DType DataType
	Shape Shape
}

// SavedObjectGraph is the object graph of a TF2 SavedModel. Node ids match
// the checkpoint's trackable object graph.
type SavedObjectGraph struct {
	Nodes []*SavedObject
}

// SavedObject is one node of the object graph. Only variables are decoded.
type SavedObject struct {
	Variable *SavedVariable
}

// SavedVariable describes a tracked variable.
type SavedVariable struct {
	DType     DataType
	Shape     Shape
	Trainable bool
	Name      string
	Device    string
}

// UnmarshalSavedModel decodes saved_model.pb.
func UnmarshalSavedModel(b []byte) (*SavedModel, error) {
	sm := &SavedModel{}
	err := eachField("SavedModel", b, func(f field) error {
		switch f.num {
		case 1:
			sm.SchemaVersion = int64(f.u)
		case 2:
			mg, err := unmarshalMetaGraphDef(f.b)
			if err != nil {
				return err
			}
			sm.MetaGraphs = append(sm.MetaGraphs, mg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sm, nil
}

// Marshal encodes sm as a SavedModel.
func (sm *SavedModel) Marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(sm.SchemaVersion))
	for _, mg := range sm.MetaGraphs {
		b = appendBytes(b, 2, mg.marshal())
	}
	return b
}

func unmarshalMetaGraphDef(b []byte) (*MetaGraphDef, error) {
	mg := &MetaGraphDef{Signatures: map[string]*SignatureDef{}}
	err := eachField("MetaGraphDef", b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			err = eachField("MetaInfoDef", f.b, func(mf field) error {
				switch mf.num {
				case 4:
					mg.Tags = append(mg.Tags, string(mf.b))
				case 5:
					mg.TensorflowVersion = string(mf.b)
				}
				return nil
			})
		case 2:
			mg.Graph, err = UnmarshalGraphDef(f.b)
		case 5:
			var (
				key string
				raw []byte
				sig *SignatureDef
			)
			key, raw, err = mapEntry("MetaGraphDef.signature_def", f.b)
			if err != nil {
				return err
			}
			sig, err = unmarshalSignatureDef(raw)
			if err != nil {
				return fmt.Errorf("signature %q: %w", key, err)
			}
			mg.Signatures[key] = sig
		case 7:
			mg.ObjectGraph, err = unmarshalSavedObjectGraph(f.b)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if mg.Graph == nil {
		mg.Graph = &GraphDef{}
	}
	return mg, nil
}

func (mg *MetaGraphDef) marshal() []byte {
	var info []byte
	for _, t := range mg.Tags {
		info = appendString(info, 4, t)
	}
	info = appendString(info, 5, mg.TensorflowVersion)

	var b []byte
	b = appendBytes(b, 1, info)
	if mg.Graph != nil {
		b = appendBytes(b, 2, mg.Graph.Marshal())
	}
	for _, k := range sortedKeys(mg.Signatures) {
		var entry []byte
		entry = appendString(entry, 1, k)
		entry = appendBytes(entry, 2, mg.Signatures[k].Marshal())
		b = appendBytes(b, 5, entry)
	}
	if mg.ObjectGraph != nil {
		b = appendBytes(b, 7, mg.ObjectGraph.marshal())
	}
	return b
}

func unmarshalSignatureDef(b []byte) (*SignatureDef, error) {
	sig := &SignatureDef{
		Inputs:  map[string]*TensorInfo{},
		Outputs: map[string]*TensorInfo{},
	}
	err := eachField("SignatureDef", b, func(f field) error {
		switch f.num {
		case 1, 2:
			key, raw, err := mapEntry("SignatureDef tensor map", f.b)
			if err != nil {
				return err
			}
			info, err := unmarshalTensorInfo(raw)
			if err != nil {
				return fmt.Errorf("tensor %q: %w", key, err)
			}
			if f.num == 1 {
				sig.Inputs[key] = info
			} else {
				sig.Outputs[key] = info
			}
		case 3:
			sig.MethodName = string(f.b)
		}
		return nil
	})
	return sig, err
}

// Marshal encodes sig as a SignatureDef.
func (sig *SignatureDef) Marshal() []byte {
	var b []byte
	for _, k := range sortedKeys(sig.Inputs) {
		b = appendBytes(b, 1, tensorInfoEntry(k, sig.Inputs[k]))
	}
	for _, k := range sortedKeys(sig.Outputs) {
		b = appendBytes(b, 2, tensorInfoEntry(k, sig.Outputs[k]))
	}
	return appendString(b, 3, sig.MethodName)
}

func tensorInfoEntry(key string, info *TensorInfo) []byte {
	var v []byte
	v = appendString(v, 1, info.Name)
	v = appendVarint(v, 2, uint64(info.DType))
	v = appendBytes(v, 3, info.Shape.Marshal())

	var entry []byte
	entry = appendString(entry, 1, key)
	return appendBytes(entry, 2, v)
}

func unmarshalTensorInfo(b []byte) (*TensorInfo, error) {
	info := &TensorInfo{}
	err := eachField("TensorInfo", b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			info.Name = string(f.b)
		case 2:
			info.DType = DataType(f.u)
		case 3:
			info.Shape, err = UnmarshalShape(f.b)
		case 4, 5:
			err = fmt.Errorf("sparse and composite tensors are not supported")
		}
		return err
	})
	return info, err
}

func unmarshalSavedObjectGraph(b []byte) (*SavedObjectGraph, error) {
	og := &SavedObjectGraph{}
	err := eachField("SavedObjectGraph", b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		obj := &SavedObject{}
		err := eachField("SavedObject", f.b, func(of field) error {
			if of.num != 7 {
				return nil
			}
			v, err := unmarshalSavedVariable(of.b)
			obj.Variable = v
			return err
		})
		og.Nodes = append(og.Nodes, obj)
		return err
	})
	return og, err
}

func (og *SavedObjectGraph) marshal() []byte {
	var b []byte
	for _, n := range og.Nodes {
		var obj []byte
		if n.Variable != nil {
			obj = appendBytes(obj, 7, n.Variable.marshal())
		}
		b = appendBytes(b, 1, obj)
	}
	return b
}

func unmarshalSavedVariable(b []byte) (*SavedVariable, error) {
	v := &SavedVariable{}
	err := eachField("SavedVariable", b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			v.DType = DataType(f.u)
		case 2:
			v.Shape, err = UnmarshalShape(f.b)
		case 3:
			v.Trainable = f.u != 0
		case 6:
			v.Name = string(f.b)
		case 7:
			v.Device = string(f.b)
		}
		return err
	})
	return v, err
}

func (v *SavedVariable) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(v.DType))
	b = appendBytes(b, 2, v.Shape.Marshal())
	b = appendBool(b, 3, v.Trainable)
	b = appendString(b, 6, v.Name)
	return appendString(b, 7, v.Device)
}
