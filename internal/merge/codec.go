package merge

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// StructCodec is the default RowCodec: rows are encoded as structpb.Struct
// values, a pre-compiled proto.Message the protobuf module ships without
// any code generation, matching the spec's "self-describing row snapshot"
// requirement for create/update payloads.
type StructCodec struct {
	// PrimaryKeyField is the row field holding the stable primary key.
	PrimaryKeyField string
}

func NewStructCodec(primaryKeyField string) *StructCodec {
	return &StructCodec{PrimaryKeyField: primaryKeyField}
}

func (c *StructCodec) Encode(row map[string]any) ([]byte, error) {
	s, err := structpb.NewStruct(row)
	if err != nil {
		return nil, fmt.Errorf("encode row: %w", err)
	}
	return proto.Marshal(s)
}

func (c *StructCodec) Decode(payload []byte) (map[string]any, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	return s.AsMap(), nil
}

func (c *StructCodec) PrimaryKey(row map[string]any) (string, error) {
	v, ok := row[c.PrimaryKeyField]
	if !ok {
		return "", fmt.Errorf("row missing primary key field %q", c.PrimaryKeyField)
	}
	switch t := v.(type) {
	case string:
		if t == "" {
			return "", fmt.Errorf("primary key field %q is empty", c.PrimaryKeyField)
		}
		return t, nil
	default:
		return fmt.Sprintf("%v", t), nil
	}
}
