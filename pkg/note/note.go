// Package note models the asset-transfer notes participants submit and the
// swap-specific layout of their recipient inputs.
package note

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

const (
	// MaxFungibleAmount is the largest amount a fungible asset may hold (2^63 - 2^31).
	MaxFungibleAmount uint64 = 1<<63 - 1<<31
	MaxAssets                = 255
	MaxInputs                = 128
)

// Swap note input layout
const (
	InputRequestedAsset = 0  // 4 words: requested asset
	InputSwapTag        = 4  // tag of the follow-up swap note
	InputPaybackTag     = 5  // tag of the payback note
	InputFillNumber     = 8  // partial fill counter
	InputCreatorPrefix  = 12 // creator account id
	InputCreatorSuffix  = 13
	InputCancelTarget   = 14 // 4 words: id of the order a cancel note withdraws

	SwapInputCount   = 14
	CancelInputCount = 18
)

var (
	ErrInvalidAsset        = errors.New("invalid fungible asset")
	ErrMissingInputs       = errors.New("note inputs too short")
	ErrMissingCancelTarget = errors.New("cancel note carries no target order id")
)

type NoteType uint8

const (
	Public    NoteType = 1
	Private   NoteType = 2
	Encrypted NoteType = 3
)

func (t NoteType) String() string {
	switch t {
	case Public:
		return "public"
	case Private:
		return "private"
	case Encrypted:
		return "encrypted"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Word is four field elements.
type Word [4]uint64

type AccountID struct {
	Prefix uint64
	Suffix uint64
}

func (a AccountID) IsZero() bool { return a.Prefix == 0 && a.Suffix == 0 }

func (a AccountID) String() string { return fmt.Sprintf("0x%016x%016x", a.Prefix, a.Suffix) }

type FungibleAsset struct {
	Faucet AccountID
	Amount uint64
}

// Word encodes the asset as [amount, 0, faucet suffix, faucet prefix].
func (a FungibleAsset) Word() Word {
	return Word{a.Amount, 0, a.Faucet.Suffix, a.Faucet.Prefix}
}

// AssetFromWord decodes a fungible asset word.
func AssetFromWord(w Word) (FungibleAsset, error) {
	if w[1] != 0 {
		return FungibleAsset{}, fmt.Errorf("%w: non-zero padding element", ErrInvalidAsset)
	}
	faucet := AccountID{Prefix: w[3], Suffix: w[2]}
	if faucet.IsZero() {
		return FungibleAsset{}, fmt.Errorf("%w: zero faucet id", ErrInvalidAsset)
	}
	if w[0] > MaxFungibleAmount {
		return FungibleAsset{}, fmt.Errorf("%w: amount %d exceeds maximum", ErrInvalidAsset, w[0])
	}
	return FungibleAsset{Faucet: faucet, Amount: w[0]}, nil
}

type Metadata struct {
	Sender AccountID
	Type   NoteType
	Tag    uint32
	Aux    uint64
}

type Recipient struct {
	Serial Word
	Script []byte // compiled note script
	Inputs []uint64
}

type Note struct {
	Assets    []FungibleAsset
	Metadata  Metadata
	Recipient Recipient
}

// ScriptDigest is SHA-256 over the script bytes. It identifies which
// program will consume the note.
func (n *Note) ScriptDigest() common.Hash {
	return common.Hash(sha256.Sum256(n.Recipient.Script))
}

// ID is the note's content address: Keccak-256 over the recipient (serial,
// script digest, inputs) and the assets.
func (n *Note) ID() common.Hash {
	h := sha3.NewLegacyKeccak256()
	var buf [8]byte
	put := func(v uint64) {
		binary.BigEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}

	for _, e := range n.Recipient.Serial {
		put(e)
	}
	digest := n.ScriptDigest()
	h.Write(digest[:])
	put(uint64(len(n.Recipient.Inputs)))
	for _, in := range n.Recipient.Inputs {
		put(in)
	}
	put(uint64(len(n.Assets)))
	for _, a := range n.Assets {
		put(a.Faucet.Prefix)
		put(a.Faucet.Suffix)
		put(a.Amount)
	}
	return common.BytesToHash(h.Sum(nil))
}

// RequestedAsset reads the asset the creator wants in return from inputs[0:4].
func (n *Note) RequestedAsset() (FungibleAsset, error) {
	in := n.Recipient.Inputs
	if len(in) < InputRequestedAsset+4 {
		return FungibleAsset{}, fmt.Errorf("%w: have %d, need 4 for requested asset", ErrMissingInputs, len(in))
	}
	var w Word
	copy(w[:], in[InputRequestedAsset:InputRequestedAsset+4])
	return AssetFromWord(w)
}

// Creator returns the creator account from the swap inputs, if present.
func (n *Note) Creator() (AccountID, bool) {
	in := n.Recipient.Inputs
	if len(in) <= InputCreatorSuffix {
		return AccountID{}, false
	}
	return AccountID{Prefix: in[InputCreatorPrefix], Suffix: in[InputCreatorSuffix]}, true
}

// CancelTarget returns the id of the order a cancel note withdraws.
func (n *Note) CancelTarget() (common.Hash, error) {
	in := n.Recipient.Inputs
	if len(in) < InputCancelTarget+4 {
		return common.Hash{}, ErrMissingCancelTarget
	}
	var id common.Hash
	for i := 0; i < 4; i++ {
		binary.BigEndian.PutUint64(id[i*8:], in[InputCancelTarget+i])
	}
	if id == (common.Hash{}) {
		return common.Hash{}, ErrMissingCancelTarget
	}
	return id, nil
}

// SwapInputs lays out the recipient inputs of a swap note.
func SwapInputs(requested FungibleAsset, swapTag, paybackTag uint32, fillNumber uint64, creator AccountID) []uint64 {
	in := make([]uint64, SwapInputCount)
	w := requested.Word()
	copy(in[InputRequestedAsset:], w[:])
	in[InputSwapTag] = uint64(swapTag)
	in[InputPaybackTag] = uint64(paybackTag)
	in[InputFillNumber] = fillNumber
	in[InputCreatorPrefix] = creator.Prefix
	in[InputCreatorSuffix] = creator.Suffix
	return in
}

// CancelInputs extends swap inputs with the id of the order to withdraw.
func CancelInputs(swap []uint64, target common.Hash) []uint64 {
	in := make([]uint64, CancelInputCount)
	copy(in, swap)
	for i := 0; i < 4; i++ {
		in[InputCancelTarget+i] = binary.BigEndian.Uint64(target[i*8:])
	}
	return in
}
