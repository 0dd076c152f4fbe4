package callsig

import (
	"cmp"
	"encoding/json"
	"io"
	"slices"

	"github.com/pkg/errors"
)

// ErrorSignature replaces the signature of a function that could not be
// analyzed.
const ErrorSignature = "ERROR"

// Result is the outcome of one extracted function.
type Result struct {
	Kind      Kind
	Name      string
	Symbol    string
	Address   uint64
	Signature string
	// Err is set when Signature is ErrorSignature.
	Err error
}

// Packet is a packet entry of a report. ID is nil when it could not be
// determined; Signature is empty for packets known only by their ID.
type Packet struct {
	ID        *uint64 `json:"id"`
	Name      string  `json:"name"`
	Signature string  `json:"signature,omitempty"`
}

// Report collects the signatures of a binary.
type Report struct {
	Packets []Packet          `json:"packets"`
	Types   map[string]string `json:"types"`
	// Results lists every extracted function in symbol order.
	Results []Result `json:"-"`
}

// NewReport assembles a report from extraction results and packet IDs.
// When several functions yield the same name, the first one wins.
func NewReport(results []Result, ids map[string]uint64) *Report {
	r := &Report{Packets: []Packet{}, Types: make(map[string]string), Results: results}
	packets := make(map[string]*Packet)
	for _, res := range results {
		switch res.Kind {
		case KindPacket:
			if _, ok := packets[res.Name]; !ok {
				packets[res.Name] = &Packet{Name: res.Name, Signature: res.Signature}
			}
		case KindType:
			if _, ok := r.Types[res.Name]; !ok {
				r.Types[res.Name] = res.Signature
			}
		}
	}
	for name, id := range ids {
		p, ok := packets[name]
		if !ok {
			p = &Packet{Name: name}
			packets[name] = p
		}
		p.ID = &id
	}
	for _, p := range packets {
		r.Packets = append(r.Packets, *p)
	}
	slices.SortFunc(r.Packets, comparePackets)
	return r
}

// comparePackets orders packets by ID, unknown IDs first, then by name.
func comparePackets(a, b Packet) int {
	switch {
	case a.ID == nil && b.ID != nil:
		return -1
	case a.ID != nil && b.ID == nil:
		return 1
	case a.ID != nil && b.ID != nil && *a.ID != *b.ID:
		return cmp.Compare(*a.ID, *b.ID)
	}
	return cmp.Compare(a.Name, b.Name)
}

// Failures returns the results that ended in an error.
func (r *Report) Failures() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return errors.Wrap(enc.Encode(r), "encode report")
}
