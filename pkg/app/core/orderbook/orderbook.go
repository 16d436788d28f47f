package orderbook

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/holiman/uint256"

	"github.com/uhyunpark/darkpool/pkg/tag"
)

var (
	ErrCancelNotRestable = errors.New("cancel orders cannot rest on the book")
	ErrDuplicateOrder    = errors.New("order already on the book")
)

type PriceLevel struct {
	Price  uint256.Int
	Qty    uint256.Int // total qty at this price level
	Orders int
}

type location struct {
	side  tag.OrderType
	price uint256.Int
}

type OrderBook struct {
	mu sync.RWMutex

	// Heap-based best price tracking (O(1) peek)
	bidHeap *MaxPriceHeap
	askHeap *MinPriceHeap

	// Price level queues (FIFO at each price)
	bids map[uint256.Int][]*Order
	asks map[uint256.Int][]*Order

	// Order index for removal without a book scan
	orderIndex map[string]location
}

func NewOrderBook() *OrderBook {
	ob := &OrderBook{}
	ob.reset()
	return ob
}

func (ob *OrderBook) reset() {
	ob.bidHeap = &MaxPriceHeap{}
	ob.askHeap = &MinPriceHeap{}
	heap.Init(ob.bidHeap)
	heap.Init(ob.askHeap)
	ob.bids = make(map[uint256.Int][]*Order)
	ob.asks = make(map[uint256.Int][]*Order)
	ob.orderIndex = make(map[string]location)
}

// Insert appends o to the FIFO queue at its price on its side.
func (ob *OrderBook) Insert(o *Order) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	switch o.Type {
	case tag.Buy, tag.Sell:
	case tag.Cancel:
		return fmt.Errorf("%w: %s", ErrCancelNotRestable, o.ID)
	default:
		return fmt.Errorf("%w: %d", ErrInvalidOrderType, uint8(o.Type))
	}
	if _, ok := ob.orderIndex[o.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.ID)
	}

	if o.Type == tag.Buy {
		if len(ob.bids[o.Price]) == 0 {
			heap.Push(ob.bidHeap, o.Price)
		}
		ob.bids[o.Price] = append(ob.bids[o.Price], o)
	} else {
		if len(ob.asks[o.Price]) == 0 {
			heap.Push(ob.askHeap, o.Price)
		}
		ob.asks[o.Price] = append(ob.asks[o.Price], o)
	}
	ob.orderIndex[o.ID] = location{side: o.Type, price: o.Price}
	return nil
}

// Remove takes the order with the given id off the book.
func (ob *OrderBook) Remove(id string) (*Order, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	loc, ok := ob.orderIndex[id]
	if !ok {
		return nil, false
	}

	levels := ob.asks
	if loc.side == tag.Buy {
		levels = ob.bids
	}
	arr := levels[loc.price]
	for i, o := range arr {
		if o.ID != id {
			continue
		}
		levels[loc.price] = append(arr[:i:i], arr[i+1:]...)
		if len(levels[loc.price]) == 0 {
			delete(levels, loc.price)
			if loc.side == tag.Buy {
				ob.removeFromBidHeap(loc.price)
			} else {
				ob.removeFromAskHeap(loc.price)
			}
		}
		delete(ob.orderIndex, id)
		return o, true
	}
	// index and levels disagree; drop the stale entry
	delete(ob.orderIndex, id)
	return nil, false
}

// DrainAll empties the book and returns every order: buys by ascending
// price then sells by ascending price, FIFO within each level.
func (ob *OrderBook) DrainAll() []*Order {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	out := make([]*Order, 0, len(ob.orderIndex))
	for _, p := range sortedPrices(ob.bids) {
		out = append(out, ob.bids[p]...)
	}
	for _, p := range sortedPrices(ob.asks) {
		out = append(out, ob.asks[p]...)
	}
	ob.reset()
	return out
}

func (ob *OrderBook) Len() int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return len(ob.orderIndex)
}

func (ob *OrderBook) Contains(id string) bool {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	_, ok := ob.orderIndex[id]
	return ok
}

// Get returns a copy of the resting order with the given id.
func (ob *OrderBook) Get(id string) (*Order, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	loc, ok := ob.orderIndex[id]
	if !ok {
		return nil, false
	}
	levels := ob.asks
	if loc.side == tag.Buy {
		levels = ob.bids
	}
	for _, o := range levels[loc.price] {
		if o.ID == id {
			return o.Clone(), true
		}
	}
	return nil, false
}

// BestBid returns the highest bid price (O(1) with heap)
func (ob *OrderBook) BestBid() (uint256.Int, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.bidHeap.Peek()
}

// BestAsk returns the lowest ask price (O(1) with heap)
func (ob *OrderBook) BestAsk() (uint256.Int, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.askHeap.Peek()
}

// BidLevels returns all bid price levels sorted high to low (best bid first).
func (ob *OrderBook) BidLevels() []PriceLevel {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	prices := sortedPrices(ob.bids)
	levels := make([]PriceLevel, 0, len(prices))
	for i := len(prices) - 1; i >= 0; i-- {
		levels = append(levels, aggregate(prices[i], ob.bids[prices[i]]))
	}
	return levels
}

// AskLevels returns all ask price levels sorted low to high (best ask first).
func (ob *OrderBook) AskLevels() []PriceLevel {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	prices := sortedPrices(ob.asks)
	levels := make([]PriceLevel, 0, len(prices))
	for _, p := range prices {
		levels = append(levels, aggregate(p, ob.asks[p]))
	}
	return levels
}

func aggregate(price uint256.Int, orders []*Order) PriceLevel {
	lvl := PriceLevel{Price: price, Orders: len(orders)}
	for _, o := range orders {
		lvl.Qty.Add(&lvl.Qty, &o.Quantity)
	}
	return lvl
}

func sortedPrices(levels map[uint256.Int][]*Order) []uint256.Int {
	prices := make([]uint256.Int, 0, len(levels))
	for p, orders := range levels {
		if len(orders) > 0 {
			prices = append(prices, p)
		}
	}
	sort.Slice(prices, func(i, j int) bool {
		return prices[i].Lt(&prices[j])
	})
	return prices
}

// removeFromBidHeap removes a price level from the bid heap (O(N) worst case, but rare)
func (ob *OrderBook) removeFromBidHeap(price uint256.Int) {
	for i := 0; i < ob.bidHeap.Len(); i++ {
		if (*ob.bidHeap)[i] == price {
			heap.Remove(ob.bidHeap, i)
			return
		}
	}
}

// removeFromAskHeap removes a price level from the ask heap (O(N) worst case, but rare)
func (ob *OrderBook) removeFromAskHeap(price uint256.Int) {
	for i := 0; i < ob.askHeap.Len(); i++ {
		if (*ob.askHeap)[i] == price {
			heap.Remove(ob.askHeap, i)
			return
		}
	}
}
