package hindsightv1

import (
	"bytes"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// toStruct encodes a message as the protobuf Struct that travels on the wire.
// Field names are the message's json tags.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %T: %w", v, err)
	}
	s := &structpb.Struct{}
	if bytes.Equal(data, []byte("null")) {
		return s, nil
	}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("encoding %T: %w", v, err)
	}
	return s, nil
}

// fromStruct decodes a wire Struct into v. Unknown fields are ignored.
func fromStruct(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decoding %T: %w", v, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %T: %w", v, err)
	}
	return nil
}

// eventClientStream decodes streamed Structs into Events.
type eventClientStream struct {
	grpc.ClientStream
}

func (x *eventClientStream) Recv() (*Event, error) {
	m := new(structpb.Struct)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	ev := new(Event)
	if err := fromStruct(m, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// eventServerStream encodes Events as Structs.
type eventServerStream struct {
	grpc.ServerStream
}

func (x *eventServerStream) Send(ev *Event) error {
	m, err := toStruct(ev)
	if err != nil {
		return err
	}
	return x.ServerStream.SendMsg(m)
}
