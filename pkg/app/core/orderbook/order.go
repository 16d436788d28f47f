package orderbook

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/uhyunpark/darkpool/pkg/note"
	"github.com/uhyunpark/darkpool/pkg/tag"
)

var (
	ErrAssetCount       = errors.New("note must carry exactly one asset")
	ErrRequestedAsset   = errors.New("invalid requested asset")
	ErrZeroQuantity     = errors.New("offered amount is zero")
	ErrNotLocalTag      = errors.New("tag is not locally scoped")
	ErrInvalidOrderType = tag.ErrInvalidOrderType
)

// Order is resting interest derived from one swap note. Only Quantity
// changes after construction; fills decrement it in place.
type Order struct {
	ID        string
	Offered   note.FungibleAsset
	Requested note.FungibleAsset
	Quantity  uint256.Int // unfilled offered amount
	Price     uint256.Int // requested / offered, truncated
	Type      tag.OrderType
	TagPrice  uint16 // 12-bit limit price carried in the tag
	Creator   note.AccountID
	Seq       uint64 // admission order, assigned by the venue
}

// Clone returns an independent copy.
func (o *Order) Clone() *Order {
	cp := *o
	return &cp
}

// BuildOrder turns a decoded note into an Order. It never panics on
// note content; every rejection is an error.
func BuildOrder(n *note.Note) (*Order, error) {
	if len(n.Assets) != 1 {
		return nil, fmt.Errorf("%w: got %d", ErrAssetCount, len(n.Assets))
	}
	offered := n.Assets[0]

	requested, err := n.RequestedAsset()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRequestedAsset, err)
	}
	if offered.Amount == 0 {
		return nil, ErrZeroQuantity
	}

	local, _, payload := tag.DecodeTag(n.Metadata.Tag)
	if !local {
		return nil, fmt.Errorf("%w: %#010x", ErrNotLocalTag, n.Metadata.Tag)
	}
	tagPrice, typ, err := tag.DecodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode tag payload: %w", err)
	}

	o := &Order{
		ID:        n.ID().Hex(),
		Offered:   offered,
		Requested: requested,
		Type:      typ,
		TagPrice:  tagPrice,
	}
	o.Quantity.SetUint64(offered.Amount)
	o.Price.Div(uint256.NewInt(requested.Amount), uint256.NewInt(offered.Amount))
	if c, ok := n.Creator(); ok {
		o.Creator = c
	}
	return o, nil
}
