// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

// Package gromox implements the RPC-over-HTTP(S) gateway core of the
// groupware server suite.
//
// The gateway accepts long-lived HTTP tunnels from Outlook clients,
// multiplexes them into logical virtual connections and demultiplexes
// DCE/RPC (MS-RPCH) traffic across those tunnels. Each tunnel is driven
// by an HttpContext state machine (TLS accept, header read, body read,
// reply write, wait) whose steps return scheduler verdicts rather than
// blocking. The two half-duplex halves of one RPC connection, the IN
// and OUT channels, are paired through a VirtualConnection keyed by
// (host, port, connection cookie) and recycled in an orderly handover
// once the OUT channel nears its announced response budget.
//
// The authentication backend, the PDU processor, the transport
// signaling parser and the delegated content handlers are external
// collaborators bound through the interfaces in this package.
package gromox
