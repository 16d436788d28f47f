// Package tag packs order intent into the 32-bit note tag.
//
// Tag layout (32 bits):
//
//	bits[31:30] scope        must be 0b11 (locally scoped use case)
//	bits[29:16] use case id  14 bits
//	bits[15:0]  payload
//
// Payload layout (16 bits):
//
//	bits[3:0]  order type (0 Buy, 1 Sell, 2 Cancel)
//	bits[15:4] limit price (0..4095)
package tag

import (
	"errors"
	"fmt"
)

const (
	scopeShift   = 30
	scopeMask    = 0b11
	scopeLocal   = 0b11
	useCaseShift = 16
	useCaseMask  = 0x3FFF // 2^14 - 1
	payloadMask  = 0xFFFF

	orderTypeBits = 4
	orderTypeMask = 1<<orderTypeBits - 1

	// MaxPrice is the largest limit price the payload can carry (12 bits).
	MaxPrice = 1<<(16-orderTypeBits) - 1
	// MaxUseCase is the largest use case id (14 bits).
	MaxUseCase = useCaseMask
)

var (
	ErrInvalidOrderType  = errors.New("invalid order type")
	ErrPriceOutOfRange   = errors.New("price exceeds 12-bit payload range")
	ErrUseCaseOutOfRange = errors.New("use case id exceeds 14 bits")
)

// OrderType is the intent carried in the low payload bits.
type OrderType uint8

const (
	Buy    OrderType = 0
	Sell   OrderType = 1
	Cancel OrderType = 2
)

func (t OrderType) String() string {
	switch t {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	case Cancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Valid reports whether t is one of the known order types.
func (t OrderType) Valid() bool {
	return t <= Cancel
}

// OrderTypeFromCode maps a raw 4-bit code to an OrderType.
func OrderTypeFromCode(code uint16) (OrderType, error) {
	switch code {
	case 0:
		return Buy, nil
	case 1:
		return Sell, nil
	case 2:
		return Cancel, nil
	default:
		return 0, fmt.Errorf("%w: code %d", ErrInvalidOrderType, code)
	}
}

// DecodeTag splits a tag into its scope flag, use case id and payload.
// It never fails; a foreign scope is reported through isLocal and the
// caller decides whether to reject.
func DecodeTag(t uint32) (isLocal bool, useCase uint16, payload uint16) {
	isLocal = (t>>scopeShift)&scopeMask == scopeLocal
	useCase = uint16((t >> useCaseShift) & useCaseMask)
	payload = uint16(t & payloadMask)
	return isLocal, useCase, payload
}

// EncodeTag builds a locally scoped tag.
func EncodeTag(useCase uint16, payload uint16) (uint32, error) {
	if useCase > MaxUseCase {
		return 0, fmt.Errorf("%w: %d", ErrUseCaseOutOfRange, useCase)
	}
	return uint32(scopeLocal)<<scopeShift | uint32(useCase)<<useCaseShift | uint32(payload), nil
}

// DecodePayload extracts the raw 12-bit price and the order type.
func DecodePayload(payload uint16) (price uint16, t OrderType, err error) {
	t, err = OrderTypeFromCode(payload & orderTypeMask)
	if err != nil {
		return 0, 0, err
	}
	return payload >> orderTypeBits, t, nil
}

// EncodePayload is the inverse of DecodePayload.
func EncodePayload(price uint16, t OrderType) (uint16, error) {
	if price > MaxPrice {
		return 0, fmt.Errorf("%w: %d", ErrPriceOutOfRange, price)
	}
	if !t.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidOrderType, uint8(t))
	}
	return price<<orderTypeBits | uint16(t), nil
}
