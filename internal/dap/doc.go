/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

/*
Package dap implements a Debug Adapter Protocol (DAP) session engine: a parent-side
ProxyManager that drives a debug session through a worker, the worker that talks to the
actual debug adapter, and supporting pieces for adapters with special needs.

# Architecture Overview

A session is split between two sides that exchange JSON messages over a line-delimited channel:

  - ProxyManager (parent side) starts the worker, correlates DAP requests with responses,
    and publishes session notifications. All incoming worker messages go through a pure
    reducer (Handle), which turns the current SessionState and a ProxyMessage into a new
    state plus a list of effects.
  - ProxyWorker (worker side) launches or connects to the debug adapter, runs the
    initialize/launch/configurationDone sequence, forwards DAP commands and reports adapter
    events and status changes back as ProxyMessages.

The worker runs either as a subprocess (SubprocessWorkerLauncher) or as a goroutine in the
current process (InProcessWorkerLauncher). Both sides use the same WorkerCommand and
ProxyMessage encoding.

# Adapter Policies

AdapterPolicy captures per-adapter behavior: which commands are queued until the adapter is
ready, how reverse requests are answered, request timeouts, and the LaunchBarrier used for
commands whose completion is signalled by an event rather than a response (for example,
js-debug launch completes with a "stopped" event).

# Child Sessions

Adapters such as js-debug announce the real debuggee through a startDebugging reverse request.
ChildSessionCoordinator adopts such a child: it connects a second DAP client, mirrors
breakpoints, attaches to the pending target and makes sure it is paused. Commands that operate
on the debuggee are then routed to the child.

# Stdio Bridge

Some backends (vsdbg) speak DAP only over stdio and require a signing handshake before any
session traffic. StdioBridge exposes such a backend on a TCP port, answers the handshake with a
Signer, and relays frames unchanged afterwards.

# Error Handling

Errors are classified with sentinel values and typed errors (see errors.go). Use errors.Is
with the sentinels and errors.As with DapRequestTimeoutError and DapResponseError.
IsSessionError and IsBridgeError group the sentinels by origin.
*/
package dap
