// Package matching runs reference-price matching passes over an order book.
package matching

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/darkpool/pkg/app/core/orderbook"
	"github.com/uhyunpark/darkpool/pkg/tag"
)

type Status string

const (
	StatusFilled   Status = "filled"
	StatusPartial  Status = "partial"
	StatusUnfilled Status = "unfilled"
)

// MatchResult is one fill. Price is always the pass reference price.
type MatchResult struct {
	BuyID    string
	SellID   string
	Price    uint256.Int
	Quantity uint256.Int
}

// OrderOutcome is an order's state at the end of a pass. FilledQty
// accumulates every fill the order received in the pass.
type OrderOutcome struct {
	Side           tag.OrderType
	FilledQty      uint256.Int
	RemainingQty   uint256.Int
	ExecutionPrice *uint256.Int // nil when the order did not trade
	Status         Status
}

type Result struct {
	Matches  []MatchResult
	Outcomes map[string]OrderOutcome
	// Residual holds every non-cancelled order with quantity left, in
	// drain order, for the caller to put back on the book.
	Residual []*orderbook.Order
}

// Book is the part of the order book a pass consumes.
type Book interface {
	DrainAll() []*orderbook.Order
}

type Engine struct {
	mu  sync.Mutex
	rng *rand.Rand
	log *zap.SugaredLogger
}

type Option func(*Engine)

// WithRand sets the source used to shuffle eligible orders.
func WithRand(r *rand.Rand) Option {
	return func(e *Engine) { e.rng = r }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Engine) { e.log = l }
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	if e.rng == nil {
		e.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if e.log == nil {
		e.log = zap.NewNop().Sugar()
	}
	return e
}

// RunPass drains the book and crosses eligible buys against eligible
// sells at ref. Buys are eligible at price >= ref, sells at price <= ref.
// Orders named in cancellations are discarded. With randomize unset the
// eligible sets are ordered by ascending id; otherwise they are shuffled.
func (e *Engine) RunPass(book Book, cancellations map[string]struct{}, ref uint256.Int, randomize bool) (res Result) {
	res.Outcomes = make(map[string]OrderOutcome)

	drained := book.DrainAll()
	active := make([]*orderbook.Order, 0, len(drained))
	for _, o := range drained {
		if _, cancelled := cancellations[o.ID]; cancelled {
			continue
		}
		active = append(active, o)
	}
	defer func() { res.Residual = residual(active) }()

	var buys, sells []*orderbook.Order
	original := make(map[string]uint256.Int, len(active))
	for _, o := range active {
		original[o.ID] = o.Quantity
		switch {
		case o.Type == tag.Buy && !o.Price.Lt(&ref):
			buys = append(buys, o)
		case o.Type == tag.Sell && !o.Price.Gt(&ref):
			sells = append(sells, o)
		}
	}

	if len(buys) == 0 || len(sells) == 0 {
		e.log.Debugw("pass_no_cross",
			"ref", ref.Dec(),
			"active", len(active),
			"eligible_buys", len(buys),
			"eligible_sells", len(sells),
		)
		return res
	}

	if randomize {
		e.mu.Lock()
		e.rng.Shuffle(len(buys), func(i, j int) { buys[i], buys[j] = buys[j], buys[i] })
		e.rng.Shuffle(len(sells), func(i, j int) { sells[i], sells[j] = sells[j], sells[i] })
		e.mu.Unlock()
	} else {
		sort.SliceStable(buys, func(i, j int) bool { return buys[i].ID < buys[j].ID })
		sort.SliceStable(sells, func(i, j int) bool { return sells[i].ID < sells[j].ID })
	}

	execPrice := ref
	i, j := 0, 0
	for i < len(buys) && j < len(sells) {
		buy, sell := buys[i], sells[j]

		var qty uint256.Int
		if buy.Quantity.Lt(&sell.Quantity) {
			qty = buy.Quantity
		} else {
			qty = sell.Quantity
		}

		res.Matches = append(res.Matches, MatchResult{
			BuyID:    buy.ID,
			SellID:   sell.ID,
			Price:    ref,
			Quantity: qty,
		})

		buy.Quantity.Sub(&buy.Quantity, &qty)
		sell.Quantity.Sub(&sell.Quantity, &qty)
		record(res.Outcomes, buy, &qty, &execPrice)
		record(res.Outcomes, sell, &qty, &execPrice)

		if buy.Quantity.IsZero() {
			i++
		}
		if sell.Quantity.IsZero() {
			j++
		}
	}

	for _, o := range active {
		if o.Type == tag.Cancel {
			continue
		}
		if _, ok := res.Outcomes[o.ID]; ok {
			continue
		}
		res.Outcomes[o.ID] = OrderOutcome{
			Side:         o.Type,
			RemainingQty: original[o.ID],
			Status:       StatusUnfilled,
		}
	}

	e.log.Debugw("pass_crossed",
		"ref", ref.Dec(),
		"matches", len(res.Matches),
		"outcomes", len(res.Outcomes),
	)
	return res
}

// record folds one fill into the order's outcome. o.Quantity has already
// been decremented.
func record(outcomes map[string]OrderOutcome, o *orderbook.Order, qty, price *uint256.Int) {
	out := outcomes[o.ID]
	out.Side = o.Type
	out.FilledQty.Add(&out.FilledQty, qty)
	out.RemainingQty = o.Quantity
	p := *price
	out.ExecutionPrice = &p
	if o.Quantity.IsZero() {
		out.Status = StatusFilled
	} else {
		out.Status = StatusPartial
	}
	outcomes[o.ID] = out
}

func residual(active []*orderbook.Order) []*orderbook.Order {
	var out []*orderbook.Order
	for _, o := range active {
		if o.Type == tag.Cancel || o.Quantity.IsZero() {
			continue
		}
		out = append(out, o)
	}
	return out
}
