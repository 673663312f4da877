// Package wire holds the HTTP contract shared by the uploader and the
// development receiver.
package wire

import (
	"encoding/json"
	"errors"

	"github.com/jacktea/kbtpub/pkg/mode"
)

const (
	// ContentPrefix is the API path under which items are addressed.
	ContentPrefix = "/v0/api/content/kbt/"
	// DefaultEndpoint is the production API base URL.
	DefaultEndpoint = "https://api.pndo.xyz"

	HeaderMetadata  = "X-Metadata"
	HeaderSignature = "X-Signature"
	HeaderAPIKey    = "X-API-Key"

	// ContentTypeCAR is sent for archive payloads.
	ContentTypeCAR = "application/vnd.ipld.car"
	// FormField is the multipart field carrying raw file payloads.
	FormField = "data"
)

// Metadata is the JSON document sent in the X-Metadata header. Field order is
// part of the contract.
type Metadata struct {
	Published bool      `json:"published"`
	Human     string    `json:"human"`
	Path      string    `json:"path"`
	As        mode.Mode `json:"as"`
}

// Encode returns the header value for m.
func (m Metadata) Encode() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeMetadata parses an X-Metadata header value.
func DecodeMetadata(raw string) (Metadata, error) {
	var m Metadata
	err := json.Unmarshal([]byte(raw), &m)
	return m, err
}

// Ack is the acknowledgment returned by the remote API. Only the CID is
// interpreted; the full body is kept verbatim.
type Ack struct {
	CID  string          `json:"cid,omitempty"`
	Body json.RawMessage `json:"body,omitempty"`
}

// ParseAck extracts the CID from a JSON acknowledgment body. The body must
// be valid JSON; a missing CID is not an error.
func ParseAck(body []byte) (Ack, error) {
	var probe struct {
		CID  string `json:"cid"`
		Root string `json:"root"`
	}
	if !json.Valid(body) {
		return Ack{}, errors.New("acknowledgment is not valid JSON")
	}
	// Non-object bodies carry no CID.
	_ = json.Unmarshal(body, &probe)
	ack := Ack{CID: probe.CID, Body: append(json.RawMessage(nil), body...)}
	if ack.CID == "" {
		ack.CID = probe.Root
	}
	return ack, nil
}

// ReceiptName is the name the API reports for an address.
func ReceiptName(address string) string {
	return "/kbt/" + address
}

// Receipt is the acknowledgment document served by the development
// receiver.
type Receipt struct {
	Name     string          `json:"name"`
	CID      string          `json:"cid"`
	Size     int64           `json:"size"`
	Blob     string          `json:"blob"`
	Metadata ReceiptMetadata `json:"metadata"`
}

// ReceiptMetadata echoes the request metadata plus the stored box name.
type ReceiptMetadata struct {
	Metadata
	Box Box `json:"box"`
}

// Box identifies where the API filed an item.
type Box struct {
	Name string `json:"name"`
}
