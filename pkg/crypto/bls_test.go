package crypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/darkpool/pkg/app/darkpool"
)

var testSeed = bytes.Repeat([]byte{0x42}, MinSeedLen)

func TestAttestorDeterministic(t *testing.T) {
	a, err := NewAttestor(testSeed)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewAttestor(testSeed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.PublicKey(), b.PublicKey()) {
		t.Error("same seed produced different keys")
	}

	if _, err := NewAttestor(testSeed[:MinSeedLen-1]); !errors.Is(err, ErrShortSeed) {
		t.Errorf("short seed: err = %v, want ErrShortSeed", err)
	}
}

func TestSignVerify(t *testing.T) {
	a, _ := NewAttestor(testSeed)
	msg := []byte("pass digest")
	sig, err := a.Sign(msg)
	if err != nil {
		t.Fatal(err)
	}
	if !Verify(a.pk, sig, msg) {
		t.Fatal("signature did not verify")
	}
	if Verify(a.pk, sig, []byte("other digest")) {
		t.Error("signature verified for a different message")
	}
}

func TestVerifyReport(t *testing.T) {
	a, _ := NewAttestor(testSeed)
	v := darkpool.NewVenue(darkpool.WithAttestor(a))

	r, err := v.RunPass(darkpool.PassParams{ReferencePrice: uint256.NewInt(100)})
	if err != nil {
		t.Fatalf("RunPass: %v", err)
	}
	if err := VerifyReport(r); err != nil {
		t.Fatalf("VerifyReport: %v", err)
	}

	tampered := *r
	tampered.ReferencePrice = "101"
	if err := VerifyReport(&tampered); !errors.Is(err, ErrDigestMismatch) {
		t.Errorf("tampered report: err = %v, want ErrDigestMismatch", err)
	}

	unsigned := *r
	unsigned.Signature = ""
	if err := VerifyReport(&unsigned); !errors.Is(err, ErrUnsignedReport) {
		t.Errorf("unsigned report: err = %v, want ErrUnsignedReport", err)
	}

	other, _ := NewAttestor(bytes.Repeat([]byte{0x07}, MinSeedLen))
	forged := *r
	forged.SignerKey = common.Bytes2Hex(other.PublicKey())
	if err := VerifyReport(&forged); !errors.Is(err, ErrBadSignature) {
		t.Errorf("wrong key: err = %v, want ErrBadSignature", err)
	}
}
