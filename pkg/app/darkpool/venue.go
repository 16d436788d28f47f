// Package darkpool owns the order book and serializes every mutation of it:
// admissions, cancellations and matching passes.
package darkpool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/darkpool/pkg/app/core/matching"
	"github.com/uhyunpark/darkpool/pkg/app/core/orderbook"
	"github.com/uhyunpark/darkpool/pkg/note"
	"github.com/uhyunpark/darkpool/pkg/tag"
	"github.com/uhyunpark/darkpool/pkg/util"
)

var (
	ErrCancelWithoutExistingOrder = errors.New("cancel target is not on the book")
	ErrCancelNotOwner             = errors.New("cancel creator does not own the target order")
	ErrNoReferencePrice           = errors.New("no reference price set")
)

// Store persists resting orders, the ids of orders that left the book and
// pass reports.
type Store interface {
	SaveOrder(o *orderbook.Order) error
	// RetireOrder drops a resting order and records its id as spent.
	RetireOrder(id string) error
	LoadOrders() ([]*orderbook.Order, error)
	LoadSpent() ([]string, error)
	SavePass(r *PassReport) error
}

// Attestor signs pass report digests.
type Attestor interface {
	Sign(msg []byte) ([]byte, error)
	PublicKey() []byte
}

type PassParams struct {
	// ReferencePrice overrides the venue's current reference price.
	ReferencePrice *uint256.Int
	Randomize      bool
	Cancellations  []string
}

type Venue struct {
	mu     sync.Mutex
	book   *orderbook.OrderBook
	engine *matching.Engine

	store    Store
	attestor Attestor
	clock    util.Clock
	log      *zap.SugaredLogger

	seq      uint64
	refPrice *uint256.Int
	outcomes map[string]Outcome // last pass
	spent    map[string]struct{} // filled or cancelled; never admitted again
	hooks    []func(*PassReport)
}

type Option func(*Venue)

func WithStore(s Store) Option       { return func(v *Venue) { v.store = s } }
func WithAttestor(a Attestor) Option { return func(v *Venue) { v.attestor = a } }
func WithClock(c util.Clock) Option  { return func(v *Venue) { v.clock = c } }
func WithEngine(e *matching.Engine) Option {
	return func(v *Venue) { v.engine = e }
}
func WithLogger(l *zap.SugaredLogger) Option { return func(v *Venue) { v.log = l } }

func NewVenue(opts ...Option) *Venue {
	v := &Venue{
		book:     orderbook.NewOrderBook(),
		clock:    util.RealClock{},
		outcomes: make(map[string]Outcome),
		spent:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.log = util.Sugar(v.log)
	if v.engine == nil {
		v.engine = matching.NewEngine(matching.WithLogger(v.log))
	}
	return v
}

// OnPass registers fn to receive every pass report. Hooks run after the
// venue lock is released, in registration order.
func (v *Venue) OnPass(fn func(*PassReport)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.hooks = append(v.hooks, fn)
}

// Restore reloads persisted resting orders into an empty book.
func (v *Venue) Restore() (int, error) {
	if v.store == nil {
		return 0, nil
	}
	orders, err := v.store.LoadOrders()
	if err != nil {
		return 0, fmt.Errorf("failed to load orders: %w", err)
	}
	spent, err := v.store.LoadSpent()
	if err != nil {
		return 0, fmt.Errorf("failed to load spent orders: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	for _, id := range spent {
		v.spent[id] = struct{}{}
	}
	for _, o := range orders {
		if err := v.book.Insert(o); err != nil {
			v.log.Warnw("restore_skip_order", "id", o.ID, "err", err)
			continue
		}
		if o.Seq >= v.seq {
			v.seq = o.Seq + 1
		}
	}
	v.log.Infow("book_restored", "orders", v.book.Len(), "spent", len(v.spent))
	return v.book.Len(), nil
}

// Submit admits a validated note. Buy and sell notes rest on the book;
// cancel notes withdraw the order they name.
func (v *Venue) Submit(n *note.Note) (*orderbook.Order, error) {
	o, err := orderbook.BuildOrder(n)
	if err != nil {
		return nil, err
	}

	if o.Type == tag.Cancel {
		target, err := n.CancelTarget()
		if err != nil {
			return nil, err
		}
		if _, err := v.cancel(target.Hex(), o.Creator); err != nil {
			return nil, err
		}
		return o, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.book.Contains(o.ID) {
		return nil, fmt.Errorf("%w: %s", orderbook.ErrDuplicateOrder, o.ID)
	}
	if _, ok := v.spent[o.ID]; ok {
		return nil, fmt.Errorf("%w: %s already left the book", orderbook.ErrDuplicateOrder, o.ID)
	}
	o.Seq = v.seq
	if v.store != nil {
		if err := v.store.SaveOrder(o); err != nil {
			return nil, fmt.Errorf("failed to persist order: %w", err)
		}
	}
	if err := v.book.Insert(o); err != nil {
		return nil, err
	}
	v.seq++

	v.log.Infow("order_admitted",
		"id", o.ID,
		"side", o.Type.String(),
		"price", o.Price.Dec(),
		"qty", o.Quantity.Dec(),
	)
	return o.Clone(), nil
}

// Cancel removes a resting order by id.
func (v *Venue) Cancel(id string) (*orderbook.Order, error) {
	return v.cancel(id, note.AccountID{})
}

func (v *Venue) cancel(id string, requester note.AccountID) (*orderbook.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	o, ok := v.book.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCancelWithoutExistingOrder, id)
	}
	if !requester.IsZero() && !o.Creator.IsZero() && requester != o.Creator {
		return nil, fmt.Errorf("%w: %s", ErrCancelNotOwner, id)
	}
	o, _ = v.book.Remove(id)
	v.spent[id] = struct{}{}
	if v.store != nil {
		if err := v.store.RetireOrder(id); err != nil {
			v.log.Errorw("store_retire_failed", "id", id, "err", err)
		}
	}
	v.log.Infow("order_cancelled", "id", id)
	return o, nil
}

func (v *Venue) SetReferencePrice(p uint256.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.refPrice = &p
	v.log.Infow("reference_price_set", "price", p.Dec())
}

func (v *Venue) ReferencePrice() (uint256.Int, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.refPrice == nil {
		return uint256.Int{}, false
	}
	return *v.refPrice, true
}

// RunPass drains the book through the matching engine, puts residual
// interest back in its original order and publishes the report.
func (v *Venue) RunPass(p PassParams) (*PassReport, error) {
	report, hooks, err := v.runPass(p)
	if err != nil {
		return nil, err
	}
	for _, fn := range hooks {
		fn(report)
	}
	return report, nil
}

func (v *Venue) runPass(p PassParams) (*PassReport, []func(*PassReport), error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var ref uint256.Int
	switch {
	case p.ReferencePrice != nil:
		ref = *p.ReferencePrice
	case v.refPrice != nil:
		ref = *v.refPrice
	default:
		return nil, nil, ErrNoReferencePrice
	}

	cancels := make(map[string]struct{}, len(p.Cancellations))
	var cancelled []string
	for _, id := range p.Cancellations {
		if _, dup := cancels[id]; dup {
			continue
		}
		cancels[id] = struct{}{}
		if v.book.Contains(id) {
			cancelled = append(cancelled, id)
		}
	}

	res := v.engine.RunPass(v.book, cancels, ref, p.Randomize)

	residual := make(map[string]struct{}, len(res.Residual))
	for _, o := range res.Residual {
		if err := v.book.Insert(o); err != nil {
			v.log.Errorw("residual_reinsert_failed", "id", o.ID, "err", err)
			continue
		}
		residual[o.ID] = struct{}{}
	}

	report := newReport(uuid.NewString(), v.clock.Now().UnixNano(), &ref, p.Randomize, res)
	report.Cancelled = cancelled
	digest, err := report.ComputeDigest()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute report digest: %w", err)
	}
	report.Digest = digest.Hex()
	if v.attestor != nil {
		sig, err := v.attestor.Sign(digest.Bytes())
		if err != nil {
			v.log.Errorw("report_sign_failed", "pass", report.ID, "err", err)
		} else {
			report.Signature = common.Bytes2Hex(sig)
			report.SignerKey = common.Bytes2Hex(v.attestor.PublicKey())
		}
	}

	v.outcomes = make(map[string]Outcome, len(report.Outcomes))
	for _, out := range report.Outcomes {
		v.outcomes[out.OrderID] = out
	}

	gone := make(map[string]struct{}, len(res.Outcomes)-len(residual)+len(cancelled))
	for id := range res.Outcomes {
		if _, ok := residual[id]; !ok {
			gone[id] = struct{}{}
		}
	}
	for _, id := range cancelled {
		gone[id] = struct{}{}
	}
	for id := range gone {
		v.spent[id] = struct{}{}
	}

	if v.store != nil {
		v.persistPass(report, res, residual, gone)
	}

	v.log.Infow("pass_complete",
		"pass", report.ID,
		"ref", report.ReferencePrice,
		"fills", len(report.Fills),
		"outcomes", len(report.Outcomes),
		"cancelled", len(cancelled),
		"resting", report.Resting,
	)

	hooks := make([]func(*PassReport), len(v.hooks))
	copy(hooks, v.hooks)
	return report, hooks, nil
}

func (v *Venue) persistPass(report *PassReport, res matching.Result, residual, gone map[string]struct{}) {
	for _, o := range res.Residual {
		if _, ok := residual[o.ID]; !ok {
			continue
		}
		if err := v.store.SaveOrder(o); err != nil {
			v.log.Errorw("store_save_failed", "id", o.ID, "err", err)
		}
	}
	for id := range gone {
		if err := v.store.RetireOrder(id); err != nil {
			v.log.Errorw("store_retire_failed", "id", id, "err", err)
		}
	}
	if err := v.store.SavePass(report); err != nil {
		v.log.Errorw("store_pass_failed", "pass", report.ID, "err", err)
	}
}

// Outcome returns the order's outcome from the most recent pass.
func (v *Venue) Outcome(id string) (Outcome, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out, ok := v.outcomes[id]
	return out, ok
}

// Order returns a copy of a resting order.
func (v *Venue) Order(id string) (*orderbook.Order, bool) {
	return v.book.Get(id)
}

// Depth returns aggregated bid and ask levels, best first.
func (v *Venue) Depth() (bids, asks []orderbook.PriceLevel) {
	return v.book.BidLevels(), v.book.AskLevels()
}

func (v *Venue) BestBid() (uint256.Int, bool) { return v.book.BestBid() }
func (v *Venue) BestAsk() (uint256.Int, bool) { return v.book.BestAsk() }
func (v *Venue) Resting() int                 { return v.book.Len() }
