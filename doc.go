// Copyright (c) 2013, Daniel Morsing
// For more information, see the LICENSE file

/*
Package upsession is the client-side upstream HTTP session core: it
multiplexes application-level transactions over one byte-oriented,
ordered, reliable transport connection, riding HTTP/1.x, SPDY/3.x or
HTTP/2 underneath a wire.Codec.

# Architecture

A Session owns exactly three goroutines, started by StartNow:

  - readLoop blocks on transport.Read and forwards raw bytes (or the
    terminal error) to run() over ingressCh/ingressErrCh. It never
    touches Session state directly.

  - writeLoop blocks on writeReqCh, writes exactly one chunk to the
    transport, and reports the result on writeDoneCh. It never touches
    Session state directly either, and only ever has one write in
    flight: run() does not send a second chunk until the first's result
    arrives.

  - run() is the single cooperative event loop. It is the only
    goroutine that ever reads or writes a Session or transaction field.
    Every public Session/Transaction method that needs to touch that
    state packages the work as a closure and hands it to run() over
    egressCh, then blocks on a result channel, so from the caller's
    point of view NewTransaction, Drain, SendHeaders and friends are
    ordinary synchronous calls, even though the actual work always runs
    on run()'s goroutine.

Ingress bytes handed to run() are fed to the codec's OnIngress, which
parses as many frames as are complete and calls back into run() via the
wire.Callback methods (OnHeadersComplete, OnBody, OnWindowUpdate, ...)
synchronously, before OnIngress returns. Those callbacks mutate
transaction and flow-control state directly since they already run on
run()'s goroutine, and in turn call a Handler's OnHeaders/OnBody/OnEOM
synchronously too. A Handler is allowed to call back into its own
Transaction from inside one of these (to refill the pipe from
OnEgressResumed, say, or to send a request body once OnHeaders delivers
a 100 Continue): run() tracks that it is already on its own stack via
onLoop, and those Send calls run inline rather than trying to hand
themselves back to the very goroutine that is blocked waiting on them.

Egress works symmetrically: a transaction's SendHeaders/SendBody/SendEOM
etc. ask the codec to generate wire bytes into a small in-memory
bufWriter, append those bytes to the pending write buffer, and kick
scheduleWrite, which hands the buffer to writeLoop if no write is
already in flight. Completion of that write (writeDoneCh) drives the
byte-event tracker and, if the write buffer has drained back under its
limit, resumes any transactions that were paused.

This design generalizes to any wire.Codec: HTTP/1.x (serial, no
multiplexing or flow control), SPDY/3.x and HTTP/2 (both multiplexed,
priority- and flow-control-aware) all drive the same run() loop through
the same Callback interface.
*/
package upsession
