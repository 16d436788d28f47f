package api

// API response types for REST endpoints and WebSocket messages.
// Prices and quantities are decimal strings; they are 256-bit values.

// ==============================
// REST Types
// ==============================

// BookSnapshot is the aggregated view of resting interest.
type BookSnapshot struct {
	Bids      []PriceLevel `json:"bids"` // Sorted high to low
	Asks      []PriceLevel `json:"asks"` // Sorted low to high
	BestBid   string       `json:"best_bid,omitempty"`
	BestAsk   string       `json:"best_ask,omitempty"`
	Resting   int          `json:"resting"`
	Timestamp int64        `json:"timestamp"` // Unix milliseconds
}

type PriceLevel struct {
	Price  string `json:"price"`
	Size   string `json:"size"`
	Orders int    `json:"orders"`
}

type ReferencePrice struct {
	Price string `json:"price"`
}

// PassRequest triggers a matching pass. Missing fields fall back to the
// venue's reference price and the server's randomize policy.
type PassRequest struct {
	ReferencePrice string   `json:"reference_price,omitempty"`
	Randomize      *bool    `json:"randomize,omitempty"`
	Cancellations  []string `json:"cancellations,omitempty"`
}

type CancelResponse struct {
	ID       string `json:"id"`
	Side     string `json:"side"`
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// WebSocket Types
// ==============================

// WSMessage wraps every pushed payload with the channel it belongs to.
type WSMessage struct {
	Channel string      `json:"channel"` // "passes"
	Data    interface{} `json:"data"`
}

// WSSubscribeRequest is sent by a client to change its subscriptions.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}
