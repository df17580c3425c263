package security

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/AjaxZhan/devspace/pkg/types"
)

type initMsg struct {
	Username  string `json:"username" validate:"required,min=1,max=32,username"`
	SessionID string `json:"sessionId,omitempty" validate:"omitempty,min=5,max=100"`
}

type resizeMsg struct {
	SessionID string `json:"sessionId" validate:"required,min=5,max=100"`
	Token     string `json:"token" validate:"required,min=10,max=200"`
	Cols      int    `json:"cols" validate:"required,min=10,max=1000"`
	Rows      int    `json:"rows" validate:"required,min=5,max=500"`
}

func TestValidateAcceptsGood(t *testing.T) {
	if err := Validate(&initMsg{Username: "alice"}); err != nil {
		t.Errorf("valid init rejected: %v", err)
	}
	if err := Validate(&resizeMsg{SessionID: "alice_0123", Token: "v1.abcdefgh", Cols: 80, Rows: 24}); err != nil {
		t.Errorf("valid resize rejected: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name  string
		v     any
		field string
	}{
		{"missing username", &initMsg{}, "username"},
		{"bad chars", &initMsg{Username: "a b"}, "username"},
		{"long username", &initMsg{Username: strings.Repeat("a", 33)}, "username"},
		{"short session", &initMsg{Username: "a", SessionID: "x"}, "sessionId"},
		{"cols too small", &resizeMsg{SessionID: "alice_0123", Token: "v1.abcdefgh", Cols: 2, Rows: 24}, "cols"},
		{"rows too big", &resizeMsg{SessionID: "alice_0123", Token: "v1.abcdefgh", Cols: 80, Rows: 501}, "rows"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.v)
			var ve *types.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			found := false
			for _, f := range ve.Fields {
				if f.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("expected failure on %q, got %+v", tt.field, ve.Fields)
			}
		})
	}
}

func TestUnknownFieldsDropped(t *testing.T) {
	var m initMsg
	if err := json.Unmarshal([]byte(`{"username":"alice","legacy":"x","image":"evil"}`), &m); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if err := Validate(&m); err != nil {
		t.Errorf("unknown fields should be tolerated, got %v", err)
	}
}
