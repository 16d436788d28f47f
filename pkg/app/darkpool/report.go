package darkpool

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/darkpool/pkg/app/core/matching"
)

// Fill is a match as published and persisted. Quantities are decimal strings.
type Fill struct {
	BuyID    string `json:"buy_id"`
	SellID   string `json:"sell_id"`
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

type Outcome struct {
	OrderID        string `json:"order_id"`
	Side           string `json:"side"`
	FilledQty      string `json:"filled_qty"`
	RemainingQty   string `json:"remaining_qty"`
	ExecutionPrice string `json:"execution_price,omitempty"`
	Status         string `json:"status"`
}

// PassReport summarizes one matching pass.
type PassReport struct {
	ID             string    `json:"id"`
	Timestamp      int64     `json:"timestamp"` // unix nanoseconds
	ReferencePrice string    `json:"reference_price"`
	Randomized     bool      `json:"randomized"`
	Fills          []Fill    `json:"fills"`
	Outcomes       []Outcome `json:"outcomes"` // sorted by order id
	Cancelled      []string  `json:"cancelled,omitempty"`
	Resting        int       `json:"resting,omitempty"` // orders back on the book after the pass
	Digest         string    `json:"digest"`
	Signature      string    `json:"signature,omitempty"`
	SignerKey      string    `json:"signer_key,omitempty"`
}

func newReport(id string, ts int64, ref *uint256.Int, randomize bool, res matching.Result) *PassReport {
	r := &PassReport{
		ID:             id,
		Timestamp:      ts,
		ReferencePrice: ref.Dec(),
		Randomized:     randomize,
		Fills:          make([]Fill, 0, len(res.Matches)),
		Outcomes:       make([]Outcome, 0, len(res.Outcomes)),
		Resting:        len(res.Residual),
	}
	for _, m := range res.Matches {
		r.Fills = append(r.Fills, Fill{
			BuyID:    m.BuyID,
			SellID:   m.SellID,
			Price:    m.Price.Dec(),
			Quantity: m.Quantity.Dec(),
		})
	}
	for id, out := range res.Outcomes {
		r.Outcomes = append(r.Outcomes, outcomeView(id, out))
	}
	sort.Slice(r.Outcomes, func(i, j int) bool { return r.Outcomes[i].OrderID < r.Outcomes[j].OrderID })
	return r
}

func outcomeView(id string, out matching.OrderOutcome) Outcome {
	v := Outcome{
		OrderID:      id,
		Side:         out.Side.String(),
		FilledQty:    out.FilledQty.Dec(),
		RemainingQty: out.RemainingQty.Dec(),
		Status:       string(out.Status),
	}
	if out.ExecutionPrice != nil {
		v.ExecutionPrice = out.ExecutionPrice.Dec()
	}
	return v
}

// ComputeDigest hashes the pass id, reference price and every fill in
// order. It is what the attestor signs.
func (r *PassReport) ComputeDigest() (common.Hash, error) {
	h := sha256.New()
	writeString := func(s string) {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(s)))
		h.Write(l[:])
		h.Write([]byte(s))
	}
	writeAmount := func(s string) error {
		v, err := uint256.FromDecimal(s)
		if err != nil {
			return err
		}
		b := v.Bytes32()
		h.Write(b[:])
		return nil
	}

	writeString(r.ID)
	if err := writeAmount(r.ReferencePrice); err != nil {
		return common.Hash{}, err
	}
	for _, f := range r.Fills {
		writeString(f.BuyID)
		writeString(f.SellID)
		if err := writeAmount(f.Price); err != nil {
			return common.Hash{}, err
		}
		if err := writeAmount(f.Quantity); err != nil {
			return common.Hash{}, err
		}
	}
	return common.BytesToHash(h.Sum(nil)), nil
}

// Public returns the view of the report that leaves the venue over gossip
// and the WebSocket feed: fills plus the outcomes of orders that traded.
// Unfilled interest, cancellations and the resting count stay private. The
// digest and signature carry over since they cover only the fills.
func (r *PassReport) Public() *PassReport {
	pub := &PassReport{
		ID:             r.ID,
		Timestamp:      r.Timestamp,
		ReferencePrice: r.ReferencePrice,
		Randomized:     r.Randomized,
		Fills:          append([]Fill(nil), r.Fills...),
		Outcomes:       make([]Outcome, 0, len(r.Outcomes)),
		Digest:         r.Digest,
		Signature:      r.Signature,
		SignerKey:      r.SignerKey,
	}
	if pub.Fills == nil {
		pub.Fills = []Fill{}
	}
	for _, out := range r.Outcomes {
		if out.Status == string(matching.StatusUnfilled) {
			continue
		}
		pub.Outcomes = append(pub.Outcomes, out)
	}
	return pub
}

// FilledOrders returns the ids of every order that traded, buys and sells
// in first-fill order without duplicates.
func (r *PassReport) FilledOrders() []string {
	seen := make(map[string]struct{})
	var ids []string
	add := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, f := range r.Fills {
		add(f.BuyID)
		add(f.SellID)
	}
	return ids
}
