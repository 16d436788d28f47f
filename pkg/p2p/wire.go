package p2p

import (
	"encoding/json"
	"errors"

	"github.com/uhyunpark/darkpool/pkg/app/darkpool"
)

var errEmptyReport = errors.New("pass wire carries no report")

// PassWire is the gossip payload for a pass report.
type PassWire struct {
	Origin string               `json:"origin"` // publishing peer id
	Report *darkpool.PassReport `json:"report"`
}

func encodePass(origin string, r *darkpool.PassReport) ([]byte, error) {
	return json.Marshal(PassWire{Origin: origin, Report: r})
}

func decodePass(b []byte) (PassWire, error) {
	var w PassWire
	if err := json.Unmarshal(b, &w); err != nil {
		return PassWire{}, err
	}
	if w.Report == nil {
		return PassWire{}, errEmptyReport
	}
	return w, nil
}
