// Package p2p carries the venue onto a libp2p host: participants can submit
// framed notes over a stream protocol, and pass reports are gossiped to
// peers.
package p2p

import (
	"context"
	"sync/atomic"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/uhyunpark/darkpool/pkg/app/darkpool"
	"github.com/uhyunpark/darkpool/pkg/crypto"
	"github.com/uhyunpark/darkpool/pkg/ingest"
	"github.com/uhyunpark/darkpool/pkg/util"
)

const (
	topicPasses    = "darkpool-passes"
	protocolSubmit = protocol.ID("/darkpool/submit/1.0.0")
)

// StreamServer serves one framed note stream to completion.
type StreamServer interface {
	ServeStream(ctx context.Context, st ingest.Stream, remote string)
}

type Libp2pNet struct {
	h   host.Host
	ps  *pubsub.PubSub
	log *zap.SugaredLogger
	ctx context.Context

	tPasses   *pubsub.Topic
	subPasses *pubsub.Subscription

	onRemote func(*darkpool.PassReport)

	published atomic.Uint64
	received  atomic.Uint64
	rejected  atomic.Uint64
}

type Libp2pConfig struct {
	ListenAddr string
	Bootstrap  []string
	// Submit serves inbound submission streams. Nil disables the protocol.
	Submit StreamServer
	// OnRemotePass receives verified reports published by other peers.
	OnRemotePass func(*darkpool.PassReport)
	Logger       *zap.SugaredLogger
}

type Stats struct {
	Published uint64
	Received  uint64
	Rejected  uint64
}

// NewLibp2pNet starts the host and joins the pass topic. The host lives
// until Close; ctx bounds the gossip loop and inbound streams.
func NewLibp2pNet(ctx context.Context, cfg Libp2pConfig) (*Libp2pNet, error) {
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, err
	}

	n := &Libp2pNet{
		h: h, ps: ps, ctx: ctx,
		log:      util.Sugar(cfg.Logger),
		onRemote: cfg.OnRemotePass,
	}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil {
			n.log.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if err := n.joinTopics(); err != nil {
		h.Close()
		return nil, err
	}

	if cfg.Submit != nil {
		h.SetStreamHandler(protocolSubmit, func(s network.Stream) {
			cfg.Submit.ServeStream(ctx, s, s.Conn().RemotePeer().String())
		})
	}

	go n.handlePasses(ctx)

	n.log.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	return n, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (n *Libp2pNet) joinTopics() error {
	var err error
	if n.tPasses, err = n.ps.Join(topicPasses); err != nil {
		return err
	}
	if n.subPasses, err = n.tPasses.Subscribe(); err != nil {
		return err
	}
	return nil
}

func (n *Libp2pNet) Host() host.Host { return n.h }

// Close leaves the topic and shuts the host down.
func (n *Libp2pNet) Close() error {
	n.subPasses.Cancel()
	n.h.RemoveStreamHandler(protocolSubmit)
	return n.h.Close()
}

func (n *Libp2pNet) Stats() Stats {
	return Stats{
		Published: n.published.Load(),
		Received:  n.received.Load(),
		Rejected:  n.rejected.Load(),
	}
}

// PublishPass gossips the public view of a report. It matches the venue's
// OnPass hook signature, so failures are logged rather than returned.
func (n *Libp2pNet) PublishPass(r *darkpool.PassReport) {
	data, err := encodePass(n.h.ID().String(), r.Public())
	if err != nil {
		n.log.Errorw("pass_encode_failed", "pass", r.ID, "err", err)
		return
	}
	if err := n.tPasses.Publish(n.ctx, data); err != nil {
		n.log.Warnw("pass_publish_failed", "pass", r.ID, "err", err)
		return
	}
	n.published.Add(1)
}

// inbound

func (n *Libp2pNet) handlePasses(ctx context.Context) {
	self := n.h.ID()
	for {
		msg, err := n.subPasses.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == self {
			continue
		}
		w, err := decodePass(msg.Data)
		if err != nil {
			n.rejected.Add(1)
			n.log.Debugw("pass_decode_failed", "from", msg.ReceivedFrom.String(), "err", err)
			continue
		}
		if err := crypto.VerifyReport(w.Report); err != nil {
			n.rejected.Add(1)
			n.log.Warnw("remote_pass_rejected", "from", w.Origin, "pass", w.Report.ID, "err", err)
			continue
		}
		n.received.Add(1)
		n.log.Debugw("remote_pass", "from", w.Origin, "pass", w.Report.ID, "fills", len(w.Report.Fills))
		if n.onRemote != nil {
			n.onRemote(w.Report)
		}
	}
}
