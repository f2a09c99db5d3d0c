package control

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/dynamic-localization/internal/localization/pipeline"
)

// toStruct encodes v through its JSON form so the Struct carries the same
// field names as the HTTP API.
func toStruct(v interface{}) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := new(structpb.Struct)
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("encode %T as struct: %w", v, err)
	}
	return s, nil
}

// fromStruct decodes s into v through JSON.
func fromStruct(s *structpb.Struct, v interface{}) error {
	b, err := protojson.Marshal(s)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func replyStruct(r pipeline.Reply) *structpb.Struct {
	s, err := structpb.NewStruct(map[string]interface{}{"ok": r.OK, "message": r.Message})
	if err != nil {
		// Only invalid UTF-8 in the message gets here.
		return &structpb.Struct{Fields: map[string]*structpb.Value{"ok": structpb.NewBoolValue(r.OK)}}
	}
	return s
}

func replyFromStruct(s *structpb.Struct) pipeline.Reply {
	f := s.GetFields()
	return pipeline.Reply{OK: f["ok"].GetBoolValue(), Message: f["message"].GetStringValue()}
}
