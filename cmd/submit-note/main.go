// Command submit-note builds a swap note, frames it and sends it to a
// matcher's ingestion listener.
package main

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/darkpool/params"
	"github.com/uhyunpark/darkpool/pkg/ingest"
	"github.com/uhyunpark/darkpool/pkg/note"
	"github.com/uhyunpark/darkpool/pkg/tag"
)

// defaultAck matches the matcher's INGEST_ACK default.
var defaultAck = params.Default().Ingest.AckEnabled

func main() {
	var (
		addr            = flag.String("addr", "127.0.0.1:8080", "matcher ingestion address")
		side            = flag.String("type", "buy", "order type: buy, sell or cancel")
		price           = flag.Uint("price", 0, "12-bit limit price carried in the tag")
		useCase         = flag.Uint("use-case", 1, "14-bit tag use case id")
		offeredFaucet   = flag.String("offered-faucet", "", "faucet id of the offered asset (0x + 32 hex digits)")
		offeredAmount   = flag.Uint64("offered-amount", 0, "offered amount")
		requestedFaucet = flag.String("requested-faucet", "", "faucet id of the requested asset")
		requestedAmount = flag.Uint64("requested-amount", 0, "requested amount")
		creator         = flag.String("creator", "", "creator account id")
		scriptFile      = flag.String("script", "", "path to the compiled swap script")
		scriptHex       = flag.String("script-hex", "", "compiled swap script as hex (used when -script is empty)")
		cancelTarget    = flag.String("cancel-target", "", "id of the order to withdraw (cancel only)")
		wait            = flag.Bool("ack", defaultAck, "wait for the matcher's ack byte (matcher must run with INGEST_ACK=true)")
		timeout         = flag.Duration("timeout", 10*time.Second, "dial and ack timeout")
	)
	flag.Parse()

	n, err := buildNote(noteArgs{
		side:            *side,
		price:           *price,
		useCase:         *useCase,
		offeredFaucet:   *offeredFaucet,
		offeredAmount:   *offeredAmount,
		requestedFaucet: *requestedFaucet,
		requestedAmount: *requestedAmount,
		creator:         *creator,
		scriptFile:      *scriptFile,
		scriptHex:       *scriptHex,
		cancelTarget:    *cancelTarget,
	})
	if err != nil {
		fatalf("build note: %v", err)
	}

	id := n.ID()
	fmt.Printf("Note ID:       %s\n", id.Hex())
	fmt.Printf("Script digest: %s\n", n.ScriptDigest().Hex())
	fmt.Printf("Tag:           %#010x\n", n.Metadata.Tag)

	conn, err := net.DialTimeout("tcp", *addr, *timeout)
	if err != nil {
		fatalf("dial %s: %v", *addr, err)
	}
	defer conn.Close()

	frame := ingest.EncodeEnvelope(ingest.Envelope{ID: id.Hex(), Payload: note.Marshal(n)})
	ack, acked, err := deliver(conn, frame, *wait, *timeout)
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("Sent %d bytes to %s\n", len(frame)+4, *addr)
	if !acked {
		return
	}
	switch ack {
	case ingest.AckAdmitted:
		fmt.Println("✓ Admitted")
	case ingest.AckRejected:
		fmt.Println("✗ Rejected (validation failed)")
		os.Exit(1)
	case ingest.AckRefused:
		fmt.Println("✗ Refused by the venue")
		os.Exit(1)
	default:
		fatalf("unknown ack %#x", ack)
	}
}

// deliver writes one framed envelope and, when waitAck is set, reads the
// matcher's ack byte.
func deliver(conn net.Conn, frame []byte, waitAck bool, timeout time.Duration) (ack byte, acked bool, err error) {
	if err := ingest.WriteFrame(conn, frame); err != nil {
		return 0, false, fmt.Errorf("send: %w", err)
	}
	if !waitAck {
		return 0, false, nil
	}
	conn.SetReadDeadline(time.Now().Add(timeout))
	var b [1]byte
	if _, err := io.ReadFull(conn, b[:]); err != nil {
		return 0, false, fmt.Errorf("read ack: %w", err)
	}
	return b[0], true, nil
}

type noteArgs struct {
	side            string
	price           uint
	useCase         uint
	offeredFaucet   string
	offeredAmount   uint64
	requestedFaucet string
	requestedAmount uint64
	creator         string
	scriptFile      string
	scriptHex       string
	cancelTarget    string
}

func buildNote(a noteArgs) (*note.Note, error) {
	var typ tag.OrderType
	switch strings.ToLower(a.side) {
	case "buy":
		typ = tag.Buy
	case "sell":
		typ = tag.Sell
	case "cancel":
		typ = tag.Cancel
	default:
		return nil, fmt.Errorf("unknown order type %q", a.side)
	}
	if a.price > tag.MaxPrice || a.useCase > tag.MaxUseCase {
		return nil, errors.New("price or use case out of range")
	}
	payload, err := tag.EncodePayload(uint16(a.price), typ)
	if err != nil {
		return nil, err
	}
	rawTag, err := tag.EncodeTag(uint16(a.useCase), payload)
	if err != nil {
		return nil, err
	}

	offered, err := parseAccount(a.offeredFaucet)
	if err != nil {
		return nil, fmt.Errorf("offered faucet: %w", err)
	}
	requested, err := parseAccount(a.requestedFaucet)
	if err != nil {
		return nil, fmt.Errorf("requested faucet: %w", err)
	}
	owner, err := parseAccount(a.creator)
	if err != nil {
		return nil, fmt.Errorf("creator: %w", err)
	}

	script, err := loadScript(a.scriptFile, a.scriptHex)
	if err != nil {
		return nil, err
	}

	var serial note.Word
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, err
	}
	for i := range serial {
		serial[i] = binary.BigEndian.Uint64(buf[i*8:])
	}

	inputs := note.SwapInputs(note.FungibleAsset{Faucet: requested, Amount: a.requestedAmount}, 0, 0, 0, owner)
	if typ == tag.Cancel {
		if a.cancelTarget == "" {
			return nil, errors.New("cancel notes need -cancel-target")
		}
		inputs = note.CancelInputs(inputs, common.HexToHash(a.cancelTarget))
	}

	return &note.Note{
		Assets:   []note.FungibleAsset{{Faucet: offered, Amount: a.offeredAmount}},
		Metadata: note.Metadata{Sender: owner, Type: note.Private, Tag: rawTag},
		Recipient: note.Recipient{
			Serial: serial,
			Script: script,
			Inputs: inputs,
		},
	}, nil
}

// parseAccount reads an account id in the form printed by AccountID.String.
func parseAccount(s string) (note.AccountID, error) {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if len(s) != 32 {
		return note.AccountID{}, fmt.Errorf("want 32 hex digits, got %d", len(s))
	}
	prefix, err := strconv.ParseUint(s[:16], 16, 64)
	if err != nil {
		return note.AccountID{}, err
	}
	suffix, err := strconv.ParseUint(s[16:], 16, 64)
	if err != nil {
		return note.AccountID{}, err
	}
	return note.AccountID{Prefix: prefix, Suffix: suffix}, nil
}

func loadScript(path, hex string) ([]byte, error) {
	if path != "" {
		return os.ReadFile(path)
	}
	if hex == "" {
		return nil, errors.New("one of -script or -script-hex is required")
	}
	b := common.FromHex(hex)
	if len(b) == 0 {
		return nil, fmt.Errorf("invalid script hex %q", hex)
	}
	return b, nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
