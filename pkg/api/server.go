// Package api exposes the operator HTTP interface: book depth, reference
// price, manual passes, outcomes and a WebSocket feed of pass reports.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/darkpool/pkg/app/core/orderbook"
	"github.com/uhyunpark/darkpool/pkg/app/darkpool"
	"github.com/uhyunpark/darkpool/pkg/util"
)

const (
	ChannelPasses = "passes"

	defaultPassLimit = 20
	maxPassLimit     = 200
)

// Venue is the subset of *darkpool.Venue the API drives.
type Venue interface {
	Depth() (bids, asks []orderbook.PriceLevel)
	BestBid() (uint256.Int, bool)
	BestAsk() (uint256.Int, bool)
	Resting() int
	SetReferencePrice(p uint256.Int)
	ReferencePrice() (uint256.Int, bool)
	RunPass(p darkpool.PassParams) (*darkpool.PassReport, error)
	Outcome(id string) (darkpool.Outcome, bool)
	Cancel(id string) (*orderbook.Order, error)
}

// PassLister returns recent pass reports, newest first.
type PassLister interface {
	LoadRecentPasses(limit int) ([]*darkpool.PassReport, error)
}

type Config struct {
	AllowedOrigins []string
	// Randomize is used for manual passes that do not say otherwise.
	Randomize bool
}

// Server handles REST API and WebSocket connections
type Server struct {
	venue  Venue
	passes PassLister
	cfg    Config
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger
}

// NewServer creates an API server. passes may be nil when no pass history
// is kept.
func NewServer(venue Venue, passes PassLister, cfg Config, log *zap.SugaredLogger) *Server {
	log = util.Sugar(log)
	s := &Server{
		venue:  venue,
		passes: passes,
		cfg:    cfg,
		router: mux.NewRouter(),
		hub:    NewHub(log),
		log:    log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Book
	api.HandleFunc("/book", s.handleGetBook).Methods("GET")
	api.HandleFunc("/reference-price", s.handleGetReferencePrice).Methods("GET")
	api.HandleFunc("/reference-price", s.handleSetReferencePrice).Methods("PUT")

	// Passes
	api.HandleFunc("/passes", s.handleRunPass).Methods("POST")
	api.HandleFunc("/passes", s.handleListPasses).Methods("GET")

	// Orders
	api.HandleFunc("/orders/{id}/outcome", s.handleGetOutcome).Methods("GET")
	api.HandleFunc("/orders/{id}", s.handleCancelOrder).Methods("DELETE")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start runs the WebSocket hub and serves HTTP on addr until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Infow("api_listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

// BroadcastPass pushes the public view of a report to every client on the
// passes channel. It matches the venue's OnPass hook signature.
func (s *Server) BroadcastPass(r *darkpool.PassReport) {
	s.hub.BroadcastToChannel(ChannelPasses, WSMessage{Channel: ChannelPasses, Data: r.Public()})
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	bids, asks := s.venue.Depth()
	snap := BookSnapshot{
		Bids:      levels(bids),
		Asks:      levels(asks),
		Resting:   s.venue.Resting(),
		Timestamp: time.Now().UnixMilli(),
	}
	if p, ok := s.venue.BestBid(); ok {
		snap.BestBid = p.Dec()
	}
	if p, ok := s.venue.BestAsk(); ok {
		snap.BestAsk = p.Dec()
	}
	respondJSON(w, snap)
}

func levels(in []orderbook.PriceLevel) []PriceLevel {
	out := make([]PriceLevel, len(in))
	for i, l := range in {
		out[i] = PriceLevel{Price: l.Price.Dec(), Size: l.Qty.Dec(), Orders: l.Orders}
	}
	return out
}

func (s *Server) handleGetReferencePrice(w http.ResponseWriter, r *http.Request) {
	p, ok := s.venue.ReferencePrice()
	if !ok {
		respondError(w, http.StatusNotFound, "Not found", "no reference price set")
		return
	}
	respondJSON(w, ReferencePrice{Price: p.Dec()})
}

func (s *Server) handleSetReferencePrice(w http.ResponseWriter, r *http.Request) {
	var req ReferencePrice
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}
	p, err := uint256.FromDecimal(req.Price)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid price", err.Error())
		return
	}
	s.venue.SetReferencePrice(*p)
	respondJSON(w, ReferencePrice{Price: p.Dec()})
}

func (s *Server) handleRunPass(w http.ResponseWriter, r *http.Request) {
	var req PassRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request", err.Error())
			return
		}
	}

	params := darkpool.PassParams{
		Randomize:     s.cfg.Randomize,
		Cancellations: req.Cancellations,
	}
	if req.Randomize != nil {
		params.Randomize = *req.Randomize
	}
	if req.ReferencePrice != "" {
		p, err := uint256.FromDecimal(req.ReferencePrice)
		if err != nil {
			respondError(w, http.StatusBadRequest, "Invalid price", err.Error())
			return
		}
		params.ReferencePrice = p
	}

	report, err := s.venue.RunPass(params)
	if err != nil {
		if errors.Is(err, darkpool.ErrNoReferencePrice) {
			respondError(w, http.StatusConflict, "No reference price", err.Error())
			return
		}
		s.log.Errorw("api_pass_failed", "err", err)
		respondError(w, http.StatusInternalServerError, "Pass failed", err.Error())
		return
	}
	respondJSON(w, report)
}

func (s *Server) handleListPasses(w http.ResponseWriter, r *http.Request) {
	if s.passes == nil {
		respondError(w, http.StatusServiceUnavailable, "Unavailable", "pass history is not kept")
		return
	}

	limit := defaultPassLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "Invalid limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxPassLimit)
	}

	reports, err := s.passes.LoadRecentPasses(limit)
	if err != nil {
		s.log.Errorw("api_list_passes_failed", "err", err)
		respondError(w, http.StatusInternalServerError, "Storage error", err.Error())
		return
	}
	if reports == nil {
		reports = []*darkpool.PassReport{}
	}
	respondJSON(w, reports)
}

func (s *Server) handleGetOutcome(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	out, ok := s.venue.Outcome(id)
	if !ok {
		respondError(w, http.StatusNotFound, "Not found", "no outcome for order in the last pass")
		return
	}
	respondJSON(w, out)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	o, err := s.venue.Cancel(id)
	if err != nil {
		if errors.Is(err, darkpool.ErrCancelWithoutExistingOrder) {
			respondError(w, http.StatusNotFound, "Not found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "Cancel failed", err.Error())
		return
	}
	respondJSON(w, CancelResponse{
		ID:       o.ID,
		Side:     o.Type.String(),
		Price:    o.Price.Dec(),
		Quantity: o.Quantity.Dec(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
