// Package crypto signs and verifies pass report digests with BLS.
package crypto

import (
	"errors"
	"fmt"

	bls "github.com/cloudflare/circl/sign/bls"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/darkpool/pkg/app/darkpool"
)

type scheme = bls.KeyG1SigG2

type BLSPubKey = bls.PublicKey[scheme]

// MinSeedLen is the shortest seed KeyGen accepts.
const MinSeedLen = 32

var (
	ErrShortSeed        = fmt.Errorf("attestation seed must be at least %d bytes", MinSeedLen)
	ErrDigestMismatch   = errors.New("report digest does not match its contents")
	ErrUnsignedReport   = errors.New("report carries no signature")
	ErrInvalidSignerKey = errors.New("invalid signer public key")
	ErrBadSignature     = errors.New("report signature does not verify")
)

// Attestor signs pass report digests.
type Attestor struct {
	sk     *bls.PrivateKey[scheme]
	pk     *BLSPubKey
	pkWire []byte
}

var _ darkpool.Attestor = (*Attestor)(nil)

func NewAttestor(seed []byte) (*Attestor, error) {
	if len(seed) < MinSeedLen {
		return nil, ErrShortSeed
	}
	sk, err := bls.KeyGen[scheme](seed, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to derive bls key: %w", err)
	}
	pk := sk.PublicKey()
	wire, err := pk.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode bls public key: %w", err)
	}
	return &Attestor{sk: sk, pk: pk, pkWire: wire}, nil
}

func (a *Attestor) Sign(msg []byte) ([]byte, error) {
	return bls.Sign(a.sk, msg), nil
}

func (a *Attestor) PublicKey() []byte { return a.pkWire }

func Verify(pk *BLSPubKey, sig, msg []byte) bool {
	return bls.Verify(pk, msg, bls.Signature(sig))
}

// VerifyReport checks that r's digest matches its contents and that the
// signature over it verifies under the embedded signer key.
func VerifyReport(r *darkpool.PassReport) error {
	digest, err := r.ComputeDigest()
	if err != nil {
		return err
	}
	if digest.Hex() != r.Digest {
		return ErrDigestMismatch
	}
	if r.Signature == "" || r.SignerKey == "" {
		return ErrUnsignedReport
	}

	var pk BLSPubKey
	if err := pk.UnmarshalBinary(common.FromHex(r.SignerKey)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignerKey, err)
	}
	if !Verify(&pk, common.FromHex(r.Signature), digest.Bytes()) {
		return ErrBadSignature
	}
	return nil
}
