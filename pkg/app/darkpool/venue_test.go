package darkpool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/darkpool/pkg/app/core/orderbook"
	"github.com/uhyunpark/darkpool/pkg/note"
	"github.com/uhyunpark/darkpool/pkg/tag"
	"github.com/uhyunpark/darkpool/pkg/util"
)

var (
	usdc  = note.AccountID{Prefix: 0xA1, Suffix: 0x01}
	weth  = note.AccountID{Prefix: 0xB2, Suffix: 0x02}
	alice = note.AccountID{Prefix: 0xA11CE, Suffix: 0x01}
	bob   = note.AccountID{Prefix: 0xB0B, Suffix: 0x02}
)

type memStore struct {
	mu     sync.Mutex
	orders map[string]orderbook.Order
	spent  map[string]struct{}
	passes []*PassReport
}

func newMemStore() *memStore {
	return &memStore{
		orders: make(map[string]orderbook.Order),
		spent:  make(map[string]struct{}),
	}
}

func (s *memStore) SaveOrder(o *orderbook.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = *o
	return nil
}

func (s *memStore) RetireOrder(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.orders, id)
	s.spent[id] = struct{}{}
	return nil
}

func (s *memStore) LoadSpent() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.spent))
	for id := range s.spent {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *memStore) LoadOrders() ([]*orderbook.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*orderbook.Order, 0, len(s.orders))
	for _, o := range s.orders {
		cp := o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *memStore) SavePass(r *PassReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passes = append(s.passes, r)
	return nil
}

type stubAttestor struct{}

func (stubAttestor) Sign(msg []byte) ([]byte, error) { return append([]byte("sig:"), msg[:4]...), nil }
func (stubAttestor) PublicKey() []byte               { return []byte{0x01, 0x02} }

// swapNote builds a note offering `offered` units for `requested` units.
// serial distinguishes otherwise identical notes.
func swapNote(t *testing.T, typ tag.OrderType, offered, requested, serial uint64, creator note.AccountID) *note.Note {
	t.Helper()
	payload, err := tag.EncodePayload(0, typ)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := tag.EncodeTag(1, payload)
	if err != nil {
		t.Fatal(err)
	}
	return &note.Note{
		Assets:   []note.FungibleAsset{{Faucet: usdc, Amount: offered}},
		Metadata: note.Metadata{Sender: creator, Type: note.Private, Tag: raw},
		Recipient: note.Recipient{
			Serial: note.Word{serial, 0, 0, 0},
			Script: []byte{0xAB},
			Inputs: note.SwapInputs(note.FungibleAsset{Faucet: weth, Amount: requested}, 0, 0, 0, creator),
		},
	}
}

func cancelNote(t *testing.T, targetID string, serial uint64, creator note.AccountID) *note.Note {
	t.Helper()
	n := swapNote(t, tag.Cancel, 1, 1, serial, creator)
	n.Recipient.Inputs = note.CancelInputs(n.Recipient.Inputs, common.HexToHash(targetID))
	return n
}

func submit(t *testing.T, v *Venue, n *note.Note) *orderbook.Order {
	t.Helper()
	o, err := v.Submit(n)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return o
}

func TestVenue_FullPass(t *testing.T) {
	store := newMemStore()
	v := NewVenue(WithStore(store), WithAttestor(stubAttestor{}))

	var hooked []*PassReport
	v.OnPass(func(r *PassReport) { hooked = append(hooked, r) })

	// prices 110, 90 and 50
	buy := submit(t, v, swapNote(t, tag.Buy, 10, 1100, 1, alice))
	sell := submit(t, v, swapNote(t, tag.Sell, 10, 900, 2, bob))
	low := submit(t, v, swapNote(t, tag.Buy, 5, 250, 3, alice))
	if v.Resting() != 3 || len(store.orders) != 3 {
		t.Fatalf("resting = %d, stored = %d", v.Resting(), len(store.orders))
	}

	report, err := v.RunPass(PassParams{ReferencePrice: uint256.NewInt(100)})
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}

	if len(report.Fills) != 1 {
		t.Fatalf("fills = %d, want 1", len(report.Fills))
	}
	f := report.Fills[0]
	if f.BuyID != buy.ID || f.SellID != sell.ID || f.Price != "100" || f.Quantity != "10" {
		t.Errorf("fill = %+v", f)
	}
	if report.Resting != 1 || v.Resting() != 1 {
		t.Errorf("resting = %d / %d, want 1", report.Resting, v.Resting())
	}
	if _, ok := v.Order(low.ID); !ok {
		t.Error("ineligible order was not put back on the book")
	}

	if out, ok := v.Outcome(buy.ID); !ok || out.Status != "filled" || out.ExecutionPrice != "100" {
		t.Errorf("buy outcome = %+v, %v", out, ok)
	}
	if out, ok := v.Outcome(low.ID); !ok || out.Status != "unfilled" || out.RemainingQty != "5" {
		t.Errorf("low outcome = %+v, %v", out, ok)
	}

	if report.Digest == "" || report.Signature == "" || report.SignerKey != "0102" {
		t.Errorf("report not attested: digest=%q sig=%q key=%q", report.Digest, report.Signature, report.SignerKey)
	}
	digest, err := report.ComputeDigest()
	if err != nil || digest.Hex() != report.Digest {
		t.Errorf("digest mismatch: %s vs %s (%v)", digest.Hex(), report.Digest, err)
	}

	if len(store.orders) != 1 {
		t.Errorf("stored orders after pass = %d, want 1", len(store.orders))
	}
	if len(store.passes) != 1 || len(hooked) != 1 || hooked[0] != report {
		t.Errorf("passes stored = %d, hooks fired = %d", len(store.passes), len(hooked))
	}
	if got := report.FilledOrders(); len(got) != 2 {
		t.Errorf("FilledOrders = %v", got)
	}
}

func TestVenue_PartialResidualKeepsQuantity(t *testing.T) {
	store := newMemStore()
	v := NewVenue(WithStore(store))
	v.SetReferencePrice(*uint256.NewInt(100))

	buy := submit(t, v, swapNote(t, tag.Buy, 15, 1650, 1, alice))
	submit(t, v, swapNote(t, tag.Sell, 10, 900, 2, bob))

	if _, err := v.RunPass(PassParams{}); err != nil {
		t.Fatal(err)
	}
	o, ok := v.Order(buy.ID)
	if !ok {
		t.Fatal("partially filled buy not on book")
	}
	if o.Quantity.Uint64() != 5 {
		t.Errorf("residual quantity = %s, want 5", o.Quantity.Dec())
	}
	if stored := store.orders[buy.ID]; stored.Quantity.Uint64() != 5 {
		t.Errorf("stored quantity = %s, want 5", stored.Quantity.Dec())
	}
}

func TestVenue_NoReferencePrice(t *testing.T) {
	v := NewVenue()
	if _, err := v.RunPass(PassParams{}); !errors.Is(err, ErrNoReferencePrice) {
		t.Errorf("err = %v, want ErrNoReferencePrice", err)
	}
}

func TestVenue_CancelNote(t *testing.T) {
	store := newMemStore()
	v := NewVenue(WithStore(store))
	buy := submit(t, v, swapNote(t, tag.Buy, 10, 1000, 1, alice))

	if _, err := v.Submit(cancelNote(t, buy.ID, 2, bob)); !errors.Is(err, ErrCancelNotOwner) {
		t.Fatalf("foreign cancel: err = %v, want ErrCancelNotOwner", err)
	}
	if _, err := v.Submit(cancelNote(t, buy.ID, 3, alice)); err != nil {
		t.Fatalf("owner cancel: %v", err)
	}
	if v.Resting() != 0 || len(store.orders) != 0 {
		t.Errorf("order still resting after cancel")
	}
	if _, err := v.Submit(cancelNote(t, buy.ID, 4, alice)); !errors.Is(err, ErrCancelWithoutExistingOrder) {
		t.Errorf("repeat cancel: err = %v, want ErrCancelWithoutExistingOrder", err)
	}

	missing := swapNote(t, tag.Cancel, 1, 1, 5, alice)
	if _, err := v.Submit(missing); !errors.Is(err, note.ErrMissingCancelTarget) {
		t.Errorf("cancel without target: err = %v", err)
	}
}

func TestVenue_PassCancellations(t *testing.T) {
	v := NewVenue()
	buy := submit(t, v, swapNote(t, tag.Buy, 10, 1100, 1, alice))
	submit(t, v, swapNote(t, tag.Sell, 10, 900, 2, bob))

	report, err := v.RunPass(PassParams{
		ReferencePrice: uint256.NewInt(100),
		Cancellations:  []string{buy.ID, buy.ID, "unknown"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Fills) != 0 {
		t.Errorf("fills = %d, want 0", len(report.Fills))
	}
	if len(report.Cancelled) != 1 || report.Cancelled[0] != buy.ID {
		t.Errorf("cancelled = %v", report.Cancelled)
	}
	if v.Resting() != 1 {
		t.Errorf("resting = %d, want 1", v.Resting())
	}
}

func TestVenue_DuplicateSubmit(t *testing.T) {
	v := NewVenue()
	n := swapNote(t, tag.Buy, 10, 1000, 1, alice)
	submit(t, v, n)
	if _, err := v.Submit(n); !errors.Is(err, orderbook.ErrDuplicateOrder) {
		t.Errorf("err = %v, want ErrDuplicateOrder", err)
	}
}

func TestVenue_ReplayRefused(t *testing.T) {
	store := newMemStore()
	v := NewVenue(WithStore(store))

	buyNote := swapNote(t, tag.Buy, 10, 1100, 1, alice)
	sellNote := swapNote(t, tag.Sell, 10, 900, 2, bob)
	restNote := swapNote(t, tag.Buy, 5, 250, 3, alice)
	goneNote := swapNote(t, tag.Buy, 5, 500, 4, alice)
	buy := submit(t, v, buyNote)
	sell := submit(t, v, sellNote)
	rest := submit(t, v, restNote)
	gone := submit(t, v, goneNote)

	if _, err := v.Cancel(gone.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := v.RunPass(PassParams{ReferencePrice: uint256.NewInt(100)}); err != nil {
		t.Fatalf("RunPass: %v", err)
	}

	tests := []struct {
		name string
		n    *note.Note
		id   string
	}{
		{"filled buy", buyNote, buy.ID},
		{"filled sell", sellNote, sell.ID},
		{"cancelled", goneNote, gone.ID},
		{"still resting", restNote, rest.ID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Submit(tt.n); !errors.Is(err, orderbook.ErrDuplicateOrder) {
				t.Errorf("resubmit: err = %v, want ErrDuplicateOrder", err)
			}
		})
	}
	if v.Resting() != 1 {
		t.Errorf("resting = %d, want 1", v.Resting())
	}
	for _, id := range []string{buy.ID, sell.ID, gone.ID} {
		if _, ok := store.spent[id]; !ok {
			t.Errorf("%s not recorded as spent", id)
		}
	}
	if _, ok := store.spent[rest.ID]; ok {
		t.Errorf("resting order %s recorded as spent", rest.ID)
	}

	restarted := NewVenue(WithStore(store))
	if _, err := restarted.Restore(); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if _, err := restarted.Submit(buyNote); !errors.Is(err, orderbook.ErrDuplicateOrder) {
		t.Errorf("resubmit after restart: err = %v, want ErrDuplicateOrder", err)
	}
}

func TestVenue_ReplayRefusedWithoutStore(t *testing.T) {
	v := NewVenue()
	buyNote := swapNote(t, tag.Buy, 10, 1100, 1, alice)
	submit(t, v, buyNote)
	submit(t, v, swapNote(t, tag.Sell, 10, 900, 2, bob))
	if _, err := v.RunPass(PassParams{ReferencePrice: uint256.NewInt(100)}); err != nil {
		t.Fatal(err)
	}
	if _, err := v.Submit(buyNote); !errors.Is(err, orderbook.ErrDuplicateOrder) {
		t.Errorf("err = %v, want ErrDuplicateOrder", err)
	}
}

func TestPassReport_Public(t *testing.T) {
	v := NewVenue(WithAttestor(stubAttestor{}))
	buy := submit(t, v, swapNote(t, tag.Buy, 15, 1650, 1, alice))
	sell := submit(t, v, swapNote(t, tag.Sell, 10, 900, 2, bob))
	low := submit(t, v, swapNote(t, tag.Buy, 5, 250, 3, alice))
	gone := submit(t, v, swapNote(t, tag.Sell, 5, 1000, 4, bob))

	report, err := v.RunPass(PassParams{
		ReferencePrice: uint256.NewInt(100),
		Cancellations:  []string{gone.ID},
	})
	if err != nil {
		t.Fatal(err)
	}
	pub := report.Public()

	if len(pub.Fills) != len(report.Fills) || len(pub.Fills) != 1 {
		t.Fatalf("public fills = %d, full = %d", len(pub.Fills), len(report.Fills))
	}
	got := make(map[string]string)
	for _, out := range pub.Outcomes {
		got[out.OrderID] = out.Status
	}
	if got[buy.ID] != "partial" || got[sell.ID] != "filled" || len(got) != 2 {
		t.Errorf("public outcomes = %v", got)
	}
	if _, ok := got[low.ID]; ok {
		t.Errorf("unfilled order %s published", low.ID)
	}
	if len(pub.Cancelled) != 0 || pub.Resting != 0 {
		t.Errorf("cancelled = %v, resting = %d", pub.Cancelled, pub.Resting)
	}

	if len(report.Cancelled) != 1 || report.Resting != 2 {
		t.Errorf("full report trimmed: cancelled = %v, resting = %d", report.Cancelled, report.Resting)
	}
	digest, err := pub.ComputeDigest()
	if err != nil || digest.Hex() != report.Digest || pub.Signature != report.Signature {
		t.Errorf("public view no longer matches attestation: %s vs %s (%v)", digest.Hex(), report.Digest, err)
	}
}

// Submissions, cancels and passes race each other. Every admitted order
// must end up accounted for exactly once: filled, resting or cancelled.
func TestVenue_ConcurrentSubmitCancelPass(t *testing.T) {
	const (
		perSide    = 40
		submitters = 4
	)
	v := NewVenue(WithStore(newMemStore()))
	v.SetReferencePrice(*uint256.NewInt(100))

	var notes []*note.Note
	for i := uint64(0); i < perSide; i++ {
		bq, sq := 10+i%3, 7+i%5
		notes = append(notes,
			swapNote(t, tag.Buy, bq, bq*110, 2*i+1, alice),
			swapNote(t, tag.Sell, sq, sq*90, 2*i+2, bob),
		)
	}

	var (
		mu        sync.Mutex
		admitted  = make(map[string]*orderbook.Order)
		cancelled = make(map[string]*orderbook.Order)
		reports   []*PassReport
	)
	ids := make(chan string, len(notes))

	var submitWG sync.WaitGroup
	for w := 0; w < submitters; w++ {
		submitWG.Add(1)
		go func(w int) {
			defer submitWG.Done()
			for i := w; i < len(notes); i += submitters {
				o, err := v.Submit(notes[i])
				if err != nil {
					t.Errorf("Submit: %v", err)
					continue
				}
				mu.Lock()
				admitted[o.ID] = o
				mu.Unlock()
				ids <- o.ID
			}
		}(w)
	}

	cancelDone := make(chan struct{})
	go func() {
		defer close(cancelDone)
		n := 0
		for id := range ids {
			n++
			if n%3 != 0 {
				continue
			}
			o, err := v.Cancel(id)
			if err != nil {
				if !errors.Is(err, ErrCancelWithoutExistingOrder) {
					t.Errorf("Cancel %s: %v", id, err)
				}
				continue
			}
			mu.Lock()
			if _, dup := cancelled[id]; dup {
				t.Errorf("%s cancelled twice", id)
			}
			cancelled[id] = o
			mu.Unlock()
		}
	}()

	stop := make(chan struct{})
	var bgWG sync.WaitGroup
	bgWG.Add(2)
	go func() {
		defer bgWG.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			r, err := v.RunPass(PassParams{Randomize: i%2 == 1})
			if err != nil {
				t.Errorf("RunPass: %v", err)
				return
			}
			mu.Lock()
			reports = append(reports, r)
			mu.Unlock()
		}
	}()
	go func() {
		defer bgWG.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			v.Depth()
			v.Resting()
			v.BestBid()
		}
	}()

	submitWG.Wait()
	close(ids)
	<-cancelDone
	close(stop)
	bgWG.Wait()

	final, err := v.RunPass(PassParams{})
	if err != nil {
		t.Fatal(err)
	}
	reports = append(reports, final)

	filled := make(map[string]*uint256.Int)
	add := func(id, qty string) {
		q, err := uint256.FromDecimal(qty)
		if err != nil {
			t.Fatalf("fill quantity %q: %v", qty, err)
		}
		if _, ok := admitted[id]; !ok {
			t.Errorf("fill names unknown order %s", id)
		}
		if filled[id] == nil {
			filled[id] = new(uint256.Int)
		}
		filled[id].Add(filled[id], q)
	}
	for _, r := range reports {
		for _, f := range r.Fills {
			add(f.BuyID, f.Quantity)
			add(f.SellID, f.Quantity)
		}
	}

	if len(admitted) != len(notes) {
		t.Fatalf("admitted = %d, want %d", len(admitted), len(notes))
	}
	for id, o := range admitted {
		total := new(uint256.Int)
		if f := filled[id]; f != nil {
			total.Add(total, f)
		}
		resting, onBook := v.Order(id)
		c, wasCancelled := cancelled[id]
		if onBook && wasCancelled {
			t.Errorf("%s is both resting and cancelled", id)
		}
		if onBook {
			total.Add(total, &resting.Quantity)
		}
		if wasCancelled {
			total.Add(total, &c.Quantity)
		}
		if !total.Eq(&o.Quantity) {
			t.Errorf("%s: filled+resting+cancelled = %s, want %s", id, total.Dec(), o.Quantity.Dec())
		}
	}

	for i, n := range notes {
		if _, err := v.Submit(n); !errors.Is(err, orderbook.ErrDuplicateOrder) {
			t.Errorf("resubmit #%d: err = %v, want ErrDuplicateOrder", i, err)
		}
	}
}

func TestVenue_Restore(t *testing.T) {
	store := newMemStore()
	first := NewVenue(WithStore(store))
	a := submit(t, first, swapNote(t, tag.Buy, 10, 1000, 1, alice))
	b := submit(t, first, swapNote(t, tag.Buy, 10, 1000, 2, alice))

	second := NewVenue(WithStore(store))
	n, err := second.Restore()
	if err != nil || n != 2 {
		t.Fatalf("Restore = %d, %v", n, err)
	}
	c := submit(t, second, swapNote(t, tag.Buy, 10, 1000, 3, alice))
	if c.Seq <= b.Seq || b.Seq <= a.Seq {
		t.Errorf("sequence not monotonic: %d %d %d", a.Seq, b.Seq, c.Seq)
	}
}

func TestScheduler(t *testing.T) {
	clock := util.NewManualClock(time.Unix(0, 0))
	v := NewVenue(WithClock(clock))
	submit(t, v, swapNote(t, tag.Buy, 10, 1100, 1, alice))
	submit(t, v, swapNote(t, tag.Sell, 10, 900, 2, bob))

	reports := make(chan *PassReport, 4)
	v.OnPass(func(r *PassReport) { reports <- r })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewScheduler(v, time.Second, false, clock, nil)
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	waitForWaiter(t, clock)
	clock.Advance(time.Second) // no reference price yet: skipped
	waitForWaiter(t, clock)
	select {
	case <-reports:
		t.Fatal("pass ran without a reference price")
	default:
	}

	v.SetReferencePrice(*uint256.NewInt(100))
	clock.Advance(time.Second)
	select {
	case r := <-reports:
		if len(r.Fills) != 1 {
			t.Errorf("fills = %d, want 1", len(r.Fills))
		}
		if r.Timestamp != time.Unix(2, 0).UnixNano() {
			t.Errorf("timestamp = %d", r.Timestamp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled pass did not run")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func waitForWaiter(t *testing.T, c *util.ManualClock) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.Waiters() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("scheduler never waited on the clock")
		}
		time.Sleep(time.Millisecond)
	}
}
