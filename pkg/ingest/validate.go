package ingest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/darkpool/pkg/note"
	"github.com/uhyunpark/darkpool/pkg/tag"
)

var (
	ErrScriptDigest = errors.New("script digest is not approved")
	ErrIDMismatch   = errors.New("envelope id does not match note id")
	ErrForeignScope = errors.New("note tag is not locally scoped")
)

// ValidationError rejects a well-formed submission. The connection stays open.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return "validation failed: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// Validator decides whether a decoded note may be trusted.
type Validator struct {
	Approved common.Hash
}

func (v Validator) Validate(env Envelope, n *note.Note) error {
	if got := n.ScriptDigest(); got != v.Approved {
		return &ValidationError{Err: fmt.Errorf("%w: %s", ErrScriptDigest, got.Hex())}
	}
	if id := n.ID().Hex(); !strings.EqualFold(env.ID, id) {
		return &ValidationError{Err: fmt.Errorf("%w: claimed %q, computed %s", ErrIDMismatch, env.ID, id)}
	}
	if local, _, _ := tag.DecodeTag(n.Metadata.Tag); !local {
		return &ValidationError{Err: fmt.Errorf("%w: %#010x", ErrForeignScope, n.Metadata.Tag)}
	}
	return nil
}
