package protocol

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/AjaxZhan/devspace/internal/security"
	"github.com/AjaxZhan/devspace/pkg/types"
)

func TestCodecsDecodePayload(t *testing.T) {
	for _, codec := range []Codec{JSON, CBOR} {
		t.Run(codec.Name(), func(t *testing.T) {
			frame, err := codec.Encode(EventInput, map[string]any{
				"sessionId": "alice_0123456789ab",
				"token":     "v1.0123456789",
				"data":      "ls\n",
				"extra":     "ignored",
			})
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			msg, err := codec.Decode(frame)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if msg.Event != EventInput {
				t.Errorf("Event = %q", msg.Event)
			}

			var req InputRequest
			if err := msg.Decode(&req); err != nil {
				t.Fatalf("payload decode failed: %v", err)
			}
			if req.SessionID != "alice_0123456789ab" || req.Data != "ls\n" {
				t.Errorf("req = %+v", req)
			}
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name  string
		codec Codec
		frame []byte
	}{
		{"json garbage", JSON, []byte("{not json")},
		{"json missing event", JSON, []byte(`{"payload":{}}`)},
		{"cbor garbage", CBOR, []byte{0xff, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.codec.Decode(tt.frame); !errors.Is(err, ErrMalformed) {
				t.Errorf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestDecodeWithoutPayload(t *testing.T) {
	msg, err := JSON.Decode([]byte(`{"event":"fs:treeSimple:resync"}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	var req FSRequest
	if err := msg.Decode(&req); err != nil {
		t.Errorf("empty payload should decode cleanly: %v", err)
	}
}

func TestTreeSnapshotJSON(t *testing.T) {
	frame, err := JSON.Encode(EventTree, TreeSnapshot{
		Version: 3,
		Tree:    types.Tree{"src": types.Tree{"main.go": nil}, "empty": types.Tree{}},
		Changed: true,
		Reason:  "periodic",
	})
	if err != nil {
		t.Fatal(err)
	}
	var env struct {
		Event   string         `json:"event"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatal(err)
	}
	tree := env.Payload["tree"].(map[string]any)
	if src := tree["src"].(map[string]any); src["main.go"] != nil {
		t.Errorf("files must encode as null, got %v", src["main.go"])
	}
	if empty, ok := tree["empty"].(map[string]any); !ok || len(empty) != 0 {
		t.Errorf("empty directories must encode as {}, got %v", tree["empty"])
	}
}

func TestTreeSnapshotCBOR(t *testing.T) {
	want := TreeSnapshot{
		Version: 7,
		Tree: types.Tree{
			"src":    types.Tree{"main.go": nil, "pkg": types.Tree{"util.go": nil}},
			"empty":  types.Tree{},
			"go.mod": nil,
		},
		Changed: true,
		Reason:  "warmup",
	}
	for _, payload := range []any{want, &want} {
		frame, err := CBOR.Encode(EventTree, payload)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		msg, err := CBOR.Decode(frame)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		var got TreeSnapshot
		if err := msg.Decode(&got); err != nil {
			t.Fatalf("payload decode failed: %v", err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("got %+v, want %+v", got, want)
		}
		if got.Tree["empty"] == nil || got.Tree["go.mod"] != nil {
			t.Errorf("directory/file distinction lost: %+v", got.Tree)
		}
	}
}

func TestExitSignalIsNull(t *testing.T) {
	frame, _ := JSON.Encode(EventExit, Exit{Code: types.ExitKilled})
	if !strings.Contains(string(frame), `"signal":null`) {
		t.Errorf("frame = %s", frame)
	}
}

func TestPayloadValidation(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		field   string
	}{
		{"init without username", &InitRequest{}, "username"},
		{"init short session id", &InitRequest{Username: "a", SessionID: "x"}, "sessionId"},
		{"input without token", &InputRequest{Auth: Auth{SessionID: "alice_1"}, Data: "x"}, "token"},
		{"resize zero cols", &ResizeRequest{Auth: Auth{SessionID: "alice_1", Token: "v1.0123456789"}, Rows: 10}, "cols"},
		{"input too large", &InputRequest{Auth: Auth{SessionID: "alice_1", Token: "v1.0123456789"}, Data: strings.Repeat("x", 8193)}, "data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := security.Validate(tt.payload)
			var ve *types.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			found := false
			for _, f := range ve.Fields {
				if f.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("fields = %+v, want %s", ve.Fields, tt.field)
			}
		})
	}

	ok := &InputRequest{Auth: Auth{SessionID: "alice_0123456789ab", Token: "v1.0123456789"}, Data: "ls\n"}
	if err := security.Validate(ok); err != nil {
		t.Errorf("valid input rejected: %v", err)
	}
}
