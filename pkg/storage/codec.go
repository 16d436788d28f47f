package storage

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/uhyunpark/darkpool/pkg/app/core/orderbook"
	"github.com/uhyunpark/darkpool/pkg/note"
	"github.com/uhyunpark/darkpool/pkg/tag"
)

// orderRecord is the JSON form of a resting order. Amounts that may
// exceed 64 bits are decimal strings.
type orderRecord struct {
	ID        string      `json:"id"`
	Seq       uint64      `json:"seq"`
	Type      uint8       `json:"type"`
	TagPrice  uint16      `json:"tag_price"`
	Quantity  string      `json:"quantity"`
	Price     string      `json:"price"`
	Offered   assetRecord `json:"offered"`
	Requested assetRecord `json:"requested"`
	Creator   [2]uint64   `json:"creator"`
}

type assetRecord struct {
	Faucet [2]uint64 `json:"faucet"` // prefix, suffix
	Amount uint64    `json:"amount"`
}

func toAssetRecord(a note.FungibleAsset) assetRecord {
	return assetRecord{Faucet: [2]uint64{a.Faucet.Prefix, a.Faucet.Suffix}, Amount: a.Amount}
}

func (r assetRecord) asset() note.FungibleAsset {
	return note.FungibleAsset{
		Faucet: note.AccountID{Prefix: r.Faucet[0], Suffix: r.Faucet[1]},
		Amount: r.Amount,
	}
}

func toOrderRecord(o *orderbook.Order) orderRecord {
	return orderRecord{
		ID:        o.ID,
		Seq:       o.Seq,
		Type:      uint8(o.Type),
		TagPrice:  o.TagPrice,
		Quantity:  o.Quantity.Dec(),
		Price:     o.Price.Dec(),
		Offered:   toAssetRecord(o.Offered),
		Requested: toAssetRecord(o.Requested),
		Creator:   [2]uint64{o.Creator.Prefix, o.Creator.Suffix},
	}
}

func (r orderRecord) order() (*orderbook.Order, error) {
	qty, err := uint256.FromDecimal(r.Quantity)
	if err != nil {
		return nil, fmt.Errorf("order %s quantity: %w", r.ID, err)
	}
	price, err := uint256.FromDecimal(r.Price)
	if err != nil {
		return nil, fmt.Errorf("order %s price: %w", r.ID, err)
	}
	return &orderbook.Order{
		ID:        r.ID,
		Seq:       r.Seq,
		Type:      tag.OrderType(r.Type),
		TagPrice:  r.TagPrice,
		Quantity:  *qty,
		Price:     *price,
		Offered:   r.Offered.asset(),
		Requested: r.Requested.asset(),
		Creator:   note.AccountID{Prefix: r.Creator[0], Suffix: r.Creator[1]},
	}, nil
}
