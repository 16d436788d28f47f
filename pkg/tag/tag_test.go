package tag

import (
	"errors"
	"testing"
)

func TestPayloadRoundTrip(t *testing.T) {
	for _, ot := range []OrderType{Buy, Sell, Cancel} {
		for price := uint16(0); price <= MaxPrice; price++ {
			payload, err := EncodePayload(price, ot)
			if err != nil {
				t.Fatalf("EncodePayload(%d, %s): %v", price, ot, err)
			}
			gotPrice, gotType, err := DecodePayload(payload)
			if err != nil {
				t.Fatalf("DecodePayload(%#x): %v", payload, err)
			}
			if gotPrice != price || gotType != ot {
				t.Fatalf("round trip (%d, %s) -> (%d, %s)", price, ot, gotPrice, gotType)
			}
		}
	}
}

func TestDecodePayload_InvalidType(t *testing.T) {
	for code := uint16(3); code <= 0xF; code++ {
		payload := uint16(100)<<4 | code
		if _, _, err := DecodePayload(payload); !errors.Is(err, ErrInvalidOrderType) {
			t.Errorf("code %d: err = %v, want ErrInvalidOrderType", code, err)
		}
	}
}

func TestEncodePayload_Bounds(t *testing.T) {
	if _, err := EncodePayload(MaxPrice+1, Buy); !errors.Is(err, ErrPriceOutOfRange) {
		t.Errorf("price 4096: err = %v, want ErrPriceOutOfRange", err)
	}
	if _, err := EncodePayload(10, OrderType(7)); !errors.Is(err, ErrInvalidOrderType) {
		t.Errorf("type 7: err = %v, want ErrInvalidOrderType", err)
	}
}

func TestDecodeTag_Scope(t *testing.T) {
	tests := []struct {
		name  string
		tag   uint32
		local bool
	}{
		{"scope 11", 0xC000_0000, true},
		{"scope 00", 0x0000_1234, false},
		{"scope 01", 0x4000_1234, false},
		{"scope 10", 0x8000_1234, false},
		{"scope 11 with payload", 0xFFFF_FFFF, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local, _, _ := DecodeTag(tt.tag)
			if local != tt.local {
				t.Errorf("DecodeTag(%#x) local = %v, want %v", tt.tag, local, tt.local)
			}
		})
	}
}

func TestTagRoundTrip(t *testing.T) {
	payload, err := EncodePayload(1234, Sell)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := EncodeTag(0x2ABC, payload)
	if err != nil {
		t.Fatal(err)
	}

	local, useCase, gotPayload := DecodeTag(raw)
	if !local {
		t.Fatal("encoded tag is not local")
	}
	if useCase != 0x2ABC {
		t.Errorf("use case = %#x, want 0x2abc", useCase)
	}
	if gotPayload != payload {
		t.Errorf("payload = %#x, want %#x", gotPayload, payload)
	}

	if _, err := EncodeTag(MaxUseCase+1, payload); !errors.Is(err, ErrUseCaseOutOfRange) {
		t.Errorf("use case overflow: err = %v", err)
	}
}
