package ocpp

import "testing"

func TestValidateMessage(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{"valid call", `[2,"id-1","Heartbeat",{}]`, false},
		{"valid call result", `[3,"id-1",{}]`, false},
		{"valid call error", `[4,"id-1","InternalError","boom",{}]`, false},
		{"call wrong arity", `[2,"id-1","Heartbeat"]`, true},
		{"call result wrong arity", `[3,"id-1",{},{}]`, true},
		{"unknown type", `[9,"id-1"]`, true},
		{"too short", `[2]`, true},
		{"not an array", `{}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessage([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateMessage(%s) error = %v, wantErr %v", tt.data, err, tt.wantErr)
			}
		})
	}
}

func TestGetMessageType(t *testing.T) {
	got, err := GetMessageType([]byte(`[2,"id-1","Heartbeat",{}]`))
	if err != nil {
		t.Fatalf("GetMessageType() error = %v", err)
	}
	if got != MessageTypeCall {
		t.Errorf("GetMessageType() = %v, want %v", got, MessageTypeCall)
	}

	if _, err := GetMessageType([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestGetMessageID(t *testing.T) {
	got, err := GetMessageID([]byte(`[2,"id-42","Heartbeat",{}]`))
	if err != nil {
		t.Fatalf("GetMessageID() error = %v", err)
	}
	if got != "id-42" {
		t.Errorf("GetMessageID() = %q, want id-42", got)
	}

	if _, err := GetMessageID([]byte(`[2]`)); err == nil {
		t.Error("expected error for a frame too short to carry a message id")
	}
}
