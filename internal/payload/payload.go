// Package payload defines the call-control records exchanged between the
// UI, the worker and the signaling server. Every record is validated when
// it is decoded or built; invalid input never becomes a value.
package payload

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Offer proposes a call, or an upgrade of an existing one, to Peer.
type Offer struct {
	Peer     string                    `json:"peer"`
	Offer    webrtc.SessionDescription `json:"offer"`
	TextChat bool                      `json:"textChat,omitempty"`
	Upgrade  bool                      `json:"upgrade,omitempty"`
	CallID   string                    `json:"callid,omitempty"`
}

var offerFields = []field{
	{name: "peer", kind: kindString, required: true},
	{name: "offer", kind: kindObject, required: true},
	{name: "textChat", kind: kindBool},
	{name: "upgrade", kind: kindBool},
	{name: "callid", kind: kindString},
}

// DecodeOffer validates and decodes an Offer.
func DecodeOffer(raw []byte) (Offer, error) {
	var o Offer
	if verr := decode("Offer", raw, offerFields, &o, "offer.type"); !verr.empty() {
		return Offer{}, verr
	}
	if err := o.Validate(); err != nil {
		return Offer{}, err
	}
	return o, nil
}

// Validate checks the values of an Offer built in code.
func (o Offer) Validate() error {
	verr := &ValidationError{Type: "Offer"}
	if o.Peer == "" {
		verr.Missing = append(verr.Missing, "peer")
	}
	checkDescription(verr, "offer", o.Offer, webrtc.SDPTypeOffer)
	return verr.errOrNil()
}

// Answer accepts an Offer.
type Answer struct {
	Peer     string                    `json:"peer"`
	Answer   webrtc.SessionDescription `json:"answer"`
	TextChat bool                      `json:"textChat,omitempty"`
	CallID   string                    `json:"callid,omitempty"`
}

var answerFields = []field{
	{name: "peer", kind: kindString, required: true},
	{name: "answer", kind: kindObject, required: true},
	{name: "textChat", kind: kindBool},
	{name: "callid", kind: kindString},
}

func DecodeAnswer(raw []byte) (Answer, error) {
	var a Answer
	if verr := decode("Answer", raw, answerFields, &a, "answer.type"); !verr.empty() {
		return Answer{}, verr
	}
	if err := a.Validate(); err != nil {
		return Answer{}, err
	}
	return a, nil
}

func (a Answer) Validate() error {
	verr := &ValidationError{Type: "Answer"}
	if a.Peer == "" {
		verr.Missing = append(verr.Missing, "peer")
	}
	checkDescription(verr, "answer", a.Answer, webrtc.SDPTypeAnswer)
	return verr.errOrNil()
}

// Hangup ends the call with Peer.
type Hangup struct {
	Peer   string `json:"peer"`
	CallID string `json:"callid,omitempty"`
}

var hangupFields = []field{
	{name: "peer", kind: kindString, required: true},
	{name: "callid", kind: kindString},
}

func DecodeHangup(raw []byte) (Hangup, error) {
	var h Hangup
	if verr := decode("Hangup", raw, hangupFields, &h, ""); !verr.empty() {
		return Hangup{}, verr
	}
	if err := h.Validate(); err != nil {
		return Hangup{}, err
	}
	return h, nil
}

func (h Hangup) Validate() error {
	verr := &ValidationError{Type: "Hangup"}
	if h.Peer == "" {
		verr.Missing = append(verr.Missing, "peer")
	}
	return verr.errOrNil()
}

// IceCandidate trickles one ICE candidate to Peer. An empty candidate
// string marks the end of candidates.
type IceCandidate struct {
	Peer      string                  `json:"peer"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

var iceCandidateFields = []field{
	{name: "peer", kind: kindString, required: true},
	{name: "candidate", kind: kindObject, required: true},
}

var candidateInitFields = []field{
	{name: "candidate", kind: kindString, required: true},
	{name: "sdpMid", kind: kindString},
}

func DecodeIceCandidate(raw []byte) (IceCandidate, error) {
	if verr := checkFields("IceCandidate", raw, iceCandidateFields); !verr.empty() {
		return IceCandidate{}, verr
	}
	var inner struct {
		Candidate json.RawMessage `json:"candidate"`
	}
	_ = json.Unmarshal(raw, &inner)
	if verr := checkFields("IceCandidate", inner.Candidate, candidateInitFields); !verr.empty() {
		prefix(verr, "candidate.")
		return IceCandidate{}, verr
	}

	var c IceCandidate
	if verr := decode("IceCandidate", raw, nil, &c, ""); !verr.empty() {
		return IceCandidate{}, verr
	}
	if err := c.Validate(); err != nil {
		return IceCandidate{}, err
	}
	return c, nil
}

func (c IceCandidate) Validate() error {
	verr := &ValidationError{Type: "IceCandidate"}
	if c.Peer == "" {
		verr.Missing = append(verr.Missing, "peer")
	}
	return verr.errOrNil()
}

// Move asks Peer to take over the call identified by CallID on another
// device.
type Move struct {
	Peer   string `json:"peer"`
	CallID string `json:"callid,omitempty"`
}

var moveFields = []field{
	{name: "peer", kind: kindString, required: true},
	{name: "callid", kind: kindString},
}

func DecodeMove(raw []byte) (Move, error) {
	var m Move
	if verr := decode("Move", raw, moveFields, &m, ""); !verr.empty() {
		return Move{}, verr
	}
	if err := m.Validate(); err != nil {
		return Move{}, err
	}
	return m, nil
}

func (m Move) Validate() error {
	verr := &ValidationError{Type: "Move"}
	if m.Peer == "" {
		verr.Missing = append(verr.Missing, "peer")
	}
	return verr.errOrNil()
}

// checkDescription requires sd to carry the expected type and an SDP body
// that parses.
func checkDescription(verr *ValidationError, name string, sd webrtc.SessionDescription, want webrtc.SDPType) {
	if sd.SDP == "" {
		verr.Missing = append(verr.Missing, name+".sdp")
		return
	}
	if sd.Type != want {
		verr.Invalid = append(verr.Invalid, name+".type")
	}
	if _, err := sd.Unmarshal(); err != nil {
		verr.Invalid = append(verr.Invalid, name+".sdp")
	}
}

func prefix(verr *ValidationError, p string) {
	for i := range verr.Missing {
		verr.Missing[i] = p + verr.Missing[i]
	}
	for i := range verr.Invalid {
		verr.Invalid[i] = p + verr.Invalid[i]
	}
}
