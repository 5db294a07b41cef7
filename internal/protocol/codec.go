package protocol

import (
	"errors"
	"fmt"
	"strconv"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

var ErrMalformedFrame = errors.New("malformed frame")

const (
	fieldType     = "type"
	fieldFrom     = "from"
	fieldSeq      = "seq"
	fieldMutation = "mutation"
	fieldKind     = "kind"
	fieldPayload  = "payload"
	fieldState    = "state"
)

// EncodeFrame converts a frame into a google.protobuf.Struct. Seq travels as
// a decimal string since Struct numbers are doubles.
func EncodeFrame(f Frame) (*structpb.Struct, error) {
	fields := map[string]*structpb.Value{
		fieldType: structpb.NewStringValue(string(f.Type)),
	}
	if f.From != "" {
		fields[fieldFrom] = structpb.NewStringValue(string(f.From))
	}
	if f.Seq != 0 {
		fields[fieldSeq] = structpb.NewStringValue(strconv.FormatUint(f.Seq, 10))
	}
	if f.Mutation != nil {
		payload, err := structpb.NewStruct(f.Mutation.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload of %s: %w", f.Mutation.Kind, err)
		}
		fields[fieldMutation] = structpb.NewStructValue(&structpb.Struct{
			Fields: map[string]*structpb.Value{
				fieldKind:    structpb.NewStringValue(f.Mutation.Kind),
				fieldPayload: structpb.NewStructValue(payload),
			},
		})
	}
	if f.State != nil {
		state, err := structpb.NewStruct(f.State)
		if err != nil {
			return nil, fmt.Errorf("encode state: %w", err)
		}
		fields[fieldState] = structpb.NewStructValue(state)
	}
	return &structpb.Struct{Fields: fields}, nil
}

func DecodeFrame(s *structpb.Struct) (Frame, error) {
	var f Frame
	if s == nil {
		return f, fmt.Errorf("%w: empty message", ErrMalformedFrame)
	}
	fields := s.GetFields()

	f.Type = MsgType(fields[fieldType].GetStringValue())
	if f.Type == "" {
		return f, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	f.From = ReplicaID(fields[fieldFrom].GetStringValue())

	if v, ok := fields[fieldSeq]; ok {
		seq, err := strconv.ParseUint(v.GetStringValue(), 10, 64)
		if err != nil {
			return f, fmt.Errorf("%w: seq: %v", ErrMalformedFrame, err)
		}
		f.Seq = seq
	}

	if v, ok := fields[fieldMutation]; ok {
		m := v.GetStructValue()
		if m == nil {
			return f, fmt.Errorf("%w: mutation is not an object", ErrMalformedFrame)
		}
		kind := m.GetFields()[fieldKind].GetStringValue()
		if kind == "" {
			return f, fmt.Errorf("%w: mutation without kind", ErrMalformedFrame)
		}
		payload := m.GetFields()[fieldPayload].GetStructValue().AsMap()
		f.Mutation = &Mutation{Kind: kind, Payload: payload}
	}

	if v, ok := fields[fieldState]; ok {
		st := v.GetStructValue()
		if st == nil {
			return f, fmt.Errorf("%w: state is not an object", ErrMalformedFrame)
		}
		f.State = Tree(st.AsMap())
	}

	return f, nil
}

// RoundTrip passes a frame through the wire codec. In-process transports
// use it so that sender and receiver never share memory.
func RoundTrip(f Frame) (Frame, error) {
	s, err := EncodeFrame(f)
	if err != nil {
		return Frame{}, err
	}
	return DecodeFrame(s)
}

func MarshalFrameJSON(f Frame) ([]byte, error) {
	s, err := EncodeFrame(f)
	if err != nil {
		return nil, err
	}
	return protojson.Marshal(s)
}

func UnmarshalFrameJSON(data []byte) (Frame, error) {
	var s structpb.Struct
	if err := protojson.Unmarshal(data, &s); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return DecodeFrame(&s)
}
