package rpc

import "encoding/json"

type msgType string

const (
	// client -> server
	msgCall   msgType = "call"
	msgCancel msgType = "cancel"
	msgCredit msgType = "credit"

	// server -> client
	msgResult  msgType = "result"
	msgElement msgType = "element"
	msgFailure msgType = "failure"
)

// message is the single envelope exchanged over the connection.
// Calls and streams are multiplexed purely by ID: call IDs are allocated by the client,
// stream IDs by the server, each starting at 1 and never reused within a connection.
//
//	call    {id, method, args}  client asks the server to invoke method
//	result  {id, value|error}   outcome of call id; value may embed stream markers
//	element {id, item|isFinal} next item of stream id, or its end
//	failure {id, error}         stream id failed; no further messages for id follow
//	cancel  {id}                consumer of stream id stopped iterating
//	credit  {id, credit}        consumer of stream id can take credit more elements
type message struct {
	Type   msgType           `json:"type"`
	ID     uint64            `json:"id"`
	Method string            `json:"method,omitempty"`
	Args   []json.RawMessage `json:"args,omitempty"`
	Value  json.RawMessage   `json:"value,omitempty"`
	Item   json.RawMessage   `json:"item,omitempty"`
	Final  bool              `json:"isFinal,omitempty"`
	Error  *Error            `json:"error,omitempty"`
	Credit uint32            `json:"credit,omitempty"`
}

const markerStream = "stream"

// marker replaces a stream inside an encoded value.
type marker struct {
	Marker string `json:"marker"`
	ID     uint64 `json:"id"`
}
