// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package gromox

import "time"

// PDU is one DCE/RPC fragment owned by whichever channel queue currently
// holds it. RTS marks transport-signaling traffic, which must not count
// against the flow-control window.
type PDU struct {
	Data []byte
	RTS  bool
}

// PduVerdict is the outcome of handing a complete fragment to the PDU
// processor collaborator.
type PduVerdict int

const (
	// VerdictPduInput means the fragment was consumed, nothing to send.
	VerdictPduInput PduVerdict = iota
	// VerdictPduOutput means the call carries reply PDUs to be steered
	// out through the OUT channel.
	VerdictPduOutput
	// VerdictPduForward means the fragment is payload for the virtual
	// connection's processor rather than transport signaling.
	VerdictPduForward
	// VerdictPduError means the fragment was rejected.
	VerdictPduError
	// VerdictPduTerminate means the tunnel must close.
	VerdictPduTerminate
)

// Call is one control call retained by the core so the processor can
// keep emitting OUT-channel-control PDUs (PING, CONN/C2, OUTR2 family)
// on it for the lifetime of the channel. Each emitter appends to the
// call's pending output; TakePDUs drains it.
type Call interface {
	Ping() bool
	ConnC2(windowSize uint32) bool
	OutR2A2() bool
	OutR2A6() bool
	OutR2B3() bool
	FlowControlAckWithDestination(bytesReceived, availableWindow uint32, channelCookie string) bool
	// TakePDUs drains the PDUs emitted on this call, in emission order.
	TakePDUs() []PDU
	// Free releases the call. Never called on a retained first call
	// before its channel dies.
	Free()
}

// PduProcessor consumes the payload fragments of one virtual connection
// and produces replies. Its concurrency contract is one goroutine at a
// time per virtual connection, holding that connection's lock.
type PduProcessor interface {
	// Input hands the processor a complete non-RTS fragment.
	Input(t Tunnel, frag []byte) (PduVerdict, Call)
	// Destroy tears the processor down; called with no locks held.
	Destroy()
}

// ProcessorFactory creates the PDU processor paired with each virtual
// connection.
type ProcessorFactory interface {
	Create(host string, port int) (PduProcessor, error)
}

// RTSEngine parses RPC Transport Signaling fragments. Channel setup
// happens before any virtual connection exists, so the engine is not
// bound to one; it drives the core through the Tunnel it is handed.
type RTSEngine interface {
	// RTSInput classifies one complete fragment and performs any channel
	// setup it implies through t.
	RTSInput(t Tunnel, frag []byte) (PduVerdict, Call)
	// Echo returns the fixed reply body for an MS-RPCH ECHO request.
	Echo() []byte
}

// RTSEchoPDU builds the fixed reply to an MS-RPCH ECHO request: a
// little-endian RTS fragment with the echo flag set and no commands. The
// data representation and fragment length sit at DCERPCDREPOffset and
// DCERPCFragLenOffset, where the body parser reads them.
func RTSEchoPDU() []byte {
	pdu := make([]byte, dcerpcHeaderSize+4)
	pdu[0] = 5    // rpc_vers
	pdu[2] = 20   // ptype RTS
	pdu[3] = 0x03 // first | last fragment
	pdu[DCERPCDREPOffset] = DCERPCDREPLE
	pdu[DCERPCFragLenOffset] = byte(len(pdu)) // frag_length, low byte
	pdu[dcerpcHeaderSize] = 0x04              // rts flags: echo; command count 0
	return pdu
}

// Tunnel is the view of an HTTP context that the processor collaborators
// drive during fragment handling: channel identity, pairing, recycling
// and flow-control adjustments.
type Tunnel interface {
	// ChannelKind reports which MS-RPCH half this tunnel carries.
	ChannelKind() ChannelKind
	// InChannel returns the IN channel, nil unless ChannelKind is ChannelIn.
	InChannel() *InChannel
	// OutChannel returns the OUT channel, nil unless ChannelKind is ChannelOut.
	OutChannel() *OutChannel
	// TryCreateVConnection installs this tunnel into its virtual
	// connection, creating connection and processor on first bind.
	TryCreateVConnection() bool
	// RecycleInChannel queues this tunnel as IN successor when the
	// predecessor cookie matches the active IN channel.
	RecycleInChannel(predecessorCookie string) bool
	// RecycleOutChannel queues this tunnel as OUT successor; the obsolete
	// predecessor emits OUTR2/A6 and hands over its window.
	RecycleOutChannel(predecessorCookie string) bool
	// ActivateInRecycling promotes the queued IN successor.
	ActivateInRecycling(successorCookie string) bool
	// ActivateOutRecycling emits OUTR2/B3 on the predecessor and promotes
	// the queued OUT successor.
	ActivateOutRecycling(successorCookie string) bool
	// SetOutChannelFlowControl applies a flow-control ack from the peer
	// to the paired OUT channel.
	SetOutChannelFlowControl(bytesReceived, availableWindow uint32)
	// SetKeepAlive updates the client keepalive on both halves.
	SetKeepAlive(d time.Duration)
}
