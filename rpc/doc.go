/*
Package rpc implements a streaming remote procedure call protocol over a WebSocket.

A client invokes named methods on a server. A method's result may contain, at any depth, streams that are still producing values; each is replaced on the wire by a marker and relayed independently, and the client turns every marker back into a RemoteStream that can be iterated locally.

All calls and streams of a client share one connection and are multiplexed by id. The messages in this protocol are described in types.go. The protocol proceeds as follows:

 1. The client opens a WebSocket connection with the server.
 2. The client sends a call message with a fresh call id, the method name and its arguments.
 3. The server runs the method. For every stream in the result it allocates a stream id, starts a pump for it, and puts a marker in the result.
 4. The server sends the result message. Elements of the streams follow as element messages, possibly before the result and interleaved with each other.
 5. Each stream ends with exactly one final element or one failure message.

Streams are flow controlled: a pump sends at most a window of elements ahead of what the client has acknowledged with credit messages. A client that stops iterating closes the RemoteStream, which sends a cancel message and stops the pump.

If the connection goes away, every pending call and stream fails with ErrConnClosed. A malformed or out-of-order message closes the connection with ErrProtocolViolation.
*/
package rpc
