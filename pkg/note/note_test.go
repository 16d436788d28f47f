package note

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func testSwapNote() *Note {
	offeredFaucet := AccountID{Prefix: 0xAA00, Suffix: 0x01}
	requestedFaucet := AccountID{Prefix: 0xBB00, Suffix: 0x02}
	creator := AccountID{Prefix: 0xC0FFEE, Suffix: 0x42}
	return &Note{
		Assets: []FungibleAsset{{Faucet: offeredFaucet, Amount: 50}},
		Metadata: Metadata{
			Sender: creator,
			Type:   Public,
			Tag:    0xC000_0640,
			Aux:    7,
		},
		Recipient: Recipient{
			Serial: Word{1, 2, 3, 4},
			Script: []byte("swap-script"),
			Inputs: SwapInputs(FungibleAsset{Faucet: requestedFaucet, Amount: 5000}, 11, 12, 0, creator),
		},
	}
}

func TestAssetWordRoundTrip(t *testing.T) {
	a := FungibleAsset{Faucet: AccountID{Prefix: 9, Suffix: 8}, Amount: MaxFungibleAmount}
	got, err := AssetFromWord(a.Word())
	if err != nil {
		t.Fatalf("AssetFromWord: %v", err)
	}
	if got != a {
		t.Fatalf("got %+v, want %+v", got, a)
	}
}

func TestAssetFromWord_Invalid(t *testing.T) {
	tests := []struct {
		name string
		word Word
	}{
		{"non-zero padding", Word{10, 1, 2, 3}},
		{"zero faucet", Word{10, 0, 0, 0}},
		{"amount overflow", Word{MaxFungibleAmount + 1, 0, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := AssetFromWord(tt.word); !errors.Is(err, ErrInvalidAsset) {
				t.Errorf("err = %v, want ErrInvalidAsset", err)
			}
		})
	}
}

func TestRequestedAsset(t *testing.T) {
	n := testSwapNote()
	a, err := n.RequestedAsset()
	if err != nil {
		t.Fatalf("RequestedAsset: %v", err)
	}
	if a.Amount != 5000 || a.Faucet != (AccountID{Prefix: 0xBB00, Suffix: 0x02}) {
		t.Errorf("requested = %+v", a)
	}

	n.Recipient.Inputs = n.Recipient.Inputs[:3]
	if _, err := n.RequestedAsset(); !errors.Is(err, ErrMissingInputs) {
		t.Errorf("short inputs: err = %v, want ErrMissingInputs", err)
	}
}

func TestCreator(t *testing.T) {
	n := testSwapNote()
	c, ok := n.Creator()
	if !ok || c != (AccountID{Prefix: 0xC0FFEE, Suffix: 0x42}) {
		t.Errorf("Creator() = %v, %v", c, ok)
	}
	n.Recipient.Inputs = n.Recipient.Inputs[:4]
	if _, ok := n.Creator(); ok {
		t.Error("Creator() reported present for short inputs")
	}
}

func TestCancelTarget(t *testing.T) {
	n := testSwapNote()
	if _, err := n.CancelTarget(); !errors.Is(err, ErrMissingCancelTarget) {
		t.Fatalf("swap note: err = %v, want ErrMissingCancelTarget", err)
	}

	target := common.HexToHash("0x0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20")
	n.Recipient.Inputs = CancelInputs(n.Recipient.Inputs, target)
	got, err := n.CancelTarget()
	if err != nil {
		t.Fatalf("CancelTarget: %v", err)
	}
	if got != target {
		t.Errorf("target = %s, want %s", got.Hex(), target.Hex())
	}

	n.Recipient.Inputs = CancelInputs(n.Recipient.Inputs[:SwapInputCount], common.Hash{})
	if _, err := n.CancelTarget(); !errors.Is(err, ErrMissingCancelTarget) {
		t.Errorf("zero target: err = %v, want ErrMissingCancelTarget", err)
	}
}

func TestNoteID(t *testing.T) {
	a := testSwapNote()
	b := testSwapNote()
	if a.ID() != b.ID() {
		t.Fatal("identical notes have different ids")
	}

	b.Recipient.Serial[0]++
	if a.ID() == b.ID() {
		t.Error("serial change did not change id")
	}

	c := testSwapNote()
	c.Assets[0].Amount++
	if a.ID() == c.ID() {
		t.Error("asset change did not change id")
	}

	d := testSwapNote()
	d.Metadata.Aux++
	if a.ID() != d.ID() {
		t.Error("metadata must not affect the id")
	}
}

func TestScriptDigest(t *testing.T) {
	n := testSwapNote()
	n.Recipient.Script = nil
	empty := common.HexToHash("0xe3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")
	if got := n.ScriptDigest(); got != empty {
		t.Errorf("empty script digest = %s, want %s", got.Hex(), empty.Hex())
	}

	n.Recipient.Script = []byte("swap-script")
	if n.ScriptDigest() == empty {
		t.Error("digest did not change with script")
	}
}
