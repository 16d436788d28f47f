// Package ingest accepts length-framed note submissions and admits the
// ones that validate.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/darkpool/pkg/app/core/orderbook"
	"github.com/uhyunpark/darkpool/pkg/note"
	"github.com/uhyunpark/darkpool/pkg/util"
)

// Acknowledgement bytes, written after each frame when acks are enabled.
const (
	AckAdmitted byte = 0x00
	AckRejected byte = 0x01 // failed validation
	AckRefused  byte = 0x02 // valid note the venue would not accept
)

const (
	DefaultListenAddr    = "127.0.0.1:8080"
	DefaultMaxFrameBytes = 1 << 20
	DefaultReadTimeout   = 30 * time.Second
)

// Submitter admits validated notes.
type Submitter interface {
	Submit(n *note.Note) (*orderbook.Order, error)
}

// Stream is a bidirectional byte stream with read deadlines. net.Conn and
// libp2p streams both satisfy it.
type Stream interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

type Config struct {
	ListenAddr         string
	MaxFrameBytes      uint32
	ReadTimeout        time.Duration
	AckEnabled         bool
	ApprovedScriptHash common.Hash
}

type Stats struct {
	Connections    uint64
	Admitted       uint64
	Rejected       uint64
	ProtocolErrors uint64
}

type connState int

const (
	stateReadingLength connState = iota
	stateReadingPayload
	stateDecoding
	stateValidating
	stateAdmitting
)

func (s connState) String() string {
	switch s {
	case stateReadingLength:
		return "reading_length"
	case stateReadingPayload:
		return "reading_payload"
	case stateDecoding:
		return "decoding"
	case stateValidating:
		return "validating"
	case stateAdmitting:
		return "admitting"
	default:
		return "unknown"
	}
}

type Server struct {
	cfg       Config
	sub       Submitter
	validator Validator
	log       *zap.SugaredLogger

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup

	connections    atomic.Uint64
	admitted       atomic.Uint64
	rejected       atomic.Uint64
	protocolErrors atomic.Uint64
}

func NewServer(cfg Config, sub Submitter, log *zap.SugaredLogger) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.MaxFrameBytes == 0 {
		cfg.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	return &Server{
		cfg:       cfg,
		sub:       sub,
		validator: Validator{Approved: cfg.ApprovedScriptHash},
		log:       util.Sugar(log),
	}
}

// Listen binds the listen address. A bind failure is returned to the
// caller; it is fatal only at startup.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	s.log.Infow("ingest_listening", "addr", ln.Addr().String())
	return nil
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until ctx is cancelled, then waits for open
// connections to finish.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		ln = s.ln
		s.mu.Unlock()
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.log.Warnw("accept_timeout", "err", err)
				continue
			}
			s.wg.Wait()
			return fmt.Errorf("accept: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeStream(ctx, conn, conn.RemoteAddr().String())
		}()
	}
}

// ServeStream processes frames from one stream until the peer closes it,
// a protocol error occurs or ctx is cancelled. Validation and admission
// failures reject the frame and keep the stream open.
func (s *Server) ServeStream(ctx context.Context, st Stream, remote string) {
	s.connections.Add(1)
	log := s.log.With("remote", remote)
	log.Debugw("conn_open")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			st.Close()
		case <-stop:
		}
	}()
	defer st.Close()

	for frames := 0; ; frames++ {
		if err := st.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			log.Warnw("conn_deadline_failed", "err", err)
			return
		}

		state := stateReadingLength
		n, err := readFrameLength(st, s.cfg.MaxFrameBytes)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				log.Debugw("conn_closed", "frames", frames)
				return
			}
			s.protocolError(log, state, err)
			return
		}

		state = stateReadingPayload
		frame, err := readFramePayload(st, n)
		if err != nil {
			if ctx.Err() != nil {
				log.Debugw("conn_closed", "frames", frames)
				return
			}
			s.protocolError(log, state, err)
			return
		}

		ack, err := s.handleFrame(log, frame)
		if err != nil {
			return
		}
		if s.cfg.AckEnabled {
			if _, err := st.Write([]byte{ack}); err != nil {
				log.Warnw("ack_write_failed", "err", err)
				return
			}
		}
	}
}

// handleFrame runs one frame through decoding, validation and admission.
// A non-nil error is a protocol error and ends the stream.
func (s *Server) handleFrame(log *zap.SugaredLogger, frame []byte) (byte, error) {
	state := stateDecoding
	env, err := DecodeEnvelope(frame)
	if err != nil {
		s.protocolError(log, state, err)
		return 0, err
	}
	n, err := note.Unmarshal(env.Payload)
	if err != nil {
		s.protocolError(log, state, err)
		return 0, err
	}

	state = stateValidating
	if err := s.validator.Validate(env, n); err != nil {
		s.rejected.Add(1)
		log.Warnw("note_rejected", "state", state.String(), "id", env.ID, "err", err)
		return AckRejected, nil
	}

	state = stateAdmitting
	o, err := s.sub.Submit(n)
	if err != nil {
		s.rejected.Add(1)
		log.Warnw("note_refused", "state", state.String(), "id", env.ID, "err", err)
		return AckRefused, nil
	}

	s.admitted.Add(1)
	log.Infow("note_admitted", "id", o.ID, "type", o.Type.String())
	return AckAdmitted, nil
}

func (s *Server) protocolError(log *zap.SugaredLogger, state connState, err error) {
	s.protocolErrors.Add(1)
	log.Warnw("protocol_error", "state", state.String(), "err", err)
}

func (s *Server) Stats() Stats {
	return Stats{
		Connections:    s.connections.Load(),
		Admitted:       s.admitted.Load(),
		Rejected:       s.rejected.Load(),
		ProtocolErrors: s.protocolErrors.Load(),
	}
}
