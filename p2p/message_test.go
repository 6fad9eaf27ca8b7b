package p2p

import (
	"testing"
)

func TestEncodeDecodeMessage(t *testing.T) {
	type testPayload struct {
		Value uint64
		Name  string
	}

	original := testPayload{Value: 42, Name: "hello"}
	msg, err := EncodeMessage(GossipBlockMsg, original)
	if err != nil {
		t.Fatalf("EncodeMessage error: %v", err)
	}

	if msg.Code != GossipBlockMsg {
		t.Errorf("msg.Code = 0x%02x, want 0x%02x", msg.Code, GossipBlockMsg)
	}
	if msg.Size == 0 {
		t.Error("msg.Size = 0, want > 0")
	}
	if len(msg.Payload) == 0 {
		t.Error("msg.Payload is empty")
	}
	if msg.Size != uint32(len(msg.Payload)) {
		t.Errorf("msg.Size = %d, Payload length = %d, should match", msg.Size, len(msg.Payload))
	}

	var decoded testPayload
	if err := DecodeMessage(msg, &decoded); err != nil {
		t.Fatalf("DecodeMessage error: %v", err)
	}
	if decoded.Value != 42 {
		t.Errorf("decoded.Value = %d, want 42", decoded.Value)
	}
	if decoded.Name != "hello" {
		t.Errorf("decoded.Name = %q, want %q", decoded.Name, "hello")
	}
}

func TestEncodeDecodeUint64Payload(t *testing.T) {
	var val uint64 = 12345
	msg, err := EncodeMessage(GossipTransactionMsg, val)
	if err != nil {
		t.Fatalf("EncodeMessage error: %v", err)
	}

	var decoded uint64
	if err := DecodeMessage(msg, &decoded); err != nil {
		t.Fatalf("DecodeMessage error: %v", err)
	}
	if decoded != val {
		t.Errorf("decoded = %d, want %d", decoded, val)
	}
}

func TestValidateMessageCode(t *testing.T) {
	validCodes := []uint64{GossipBlockMsg, GossipTransactionMsg}
	for _, code := range validCodes {
		if err := ValidateMessageCode(code); err != nil {
			t.Errorf("ValidateMessageCode(0x%02x) = %v, want nil", code, err)
		}
	}

	invalidCodes := []uint64{0x02, 0xff, 0x100}
	for _, code := range invalidCodes {
		if err := ValidateMessageCode(code); err == nil {
			t.Errorf("ValidateMessageCode(0x%02x) = nil, want error", code)
		}
	}
}

func TestMessageName(t *testing.T) {
	tests := []struct {
		code uint64
		name string
	}{
		{GossipBlockMsg, "Block"},
		{GossipTransactionMsg, "Transaction"},
	}
	for _, tt := range tests {
		if got := MessageName(tt.code); got != tt.name {
			t.Errorf("MessageName(0x%02x) = %q, want %q", tt.code, got, tt.name)
		}
	}

	unknown := MessageName(0xff)
	if unknown == "" {
		t.Error("MessageName(0xff) returned empty string")
	}
}

func TestMaxMessageSize(t *testing.T) {
	if MaxMessageSize != 4*1024*1024 {
		t.Errorf("MaxMessageSize = %d, want %d", MaxMessageSize, 4*1024*1024)
	}
}

func TestMessageErrors(t *testing.T) {
	if ErrMessageTooLarge == nil {
		t.Error("ErrMessageTooLarge is nil")
	}
	if ErrInvalidMsgCode == nil {
		t.Error("ErrInvalidMsgCode is nil")
	}
	if ErrDecode == nil {
		t.Error("ErrDecode is nil")
	}
}

func TestDecodeMessageError(t *testing.T) {
	msg := Message{
		Code:    GossipBlockMsg,
		Size:    3,
		Payload: []byte{0xff, 0xff, 0xff},
	}

	var decoded struct{ X uint64 }
	err := DecodeMessage(msg, &decoded)
	if err == nil {
		t.Error("DecodeMessage with invalid payload should return error")
	}
}
