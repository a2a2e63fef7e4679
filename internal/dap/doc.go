/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

/*
Package dap implements the wire layer of the Debug Adapter Protocol (DAP).

# Framing

Every message is a JSON object preceded by a header block:

	Content-Length: <byte count>\r\n
	\r\n
	<JSON body>

The Framer accepts the stream in chunks of any size, tolerates unknown headers and reports
malformed frames without tearing the connection down. EncodeFrame produces a frame as a single buffer
so that transports can write it with one call.

# Key Components

  - Message: the request/response/event tagged union, with named constructors per variant
  - Transport: message I/O over TCP, stdio or any pair of byte streams
  - Correlator: sequence numbering, request dispatch and response correlation with timeouts
  - TestClient: an editor-side client for driving an adapter in tests

# Dispatch

The Correlator looks commands up in a dispatch table built once at construction. Commands missing from the
table go to the CustomRequest handler if one is configured, otherwise to the default handler, which fails
the request with error 1014. Handlers run one at a time in request arrival order; Async moves a handler's
work to its own goroutine once ordering no longer matters. Cross-cutting concerns such as request logging
are Middleware.

A handler must respond exactly once. A second response for the same request is logged and dropped.

# Outgoing requests

	resp, err := correlator.SendRequest(ctx, "runInTerminal", args, 5*time.Second)

If the peer does not answer in time, the caller receives a synthetic failure response with message "timeout".
A response that arrives later is dropped.
*/
package dap
