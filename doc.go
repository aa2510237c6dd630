// Package tapeproxy records HTTP traffic to tapes and replays it, by
// pointing the process at a local intercepting proxy.
//
// A Recorder inserts a tape and notifies its listeners; the proxy Server is
// the usual listener. While a tape is inserted every request made through
// the system proxy is answered from the tape, or forwarded and recorded,
// depending on the tape mode.
//
// The primary use-case is tests that talk to real HTTP services on the
// first run and replay the recorded traffic afterwards, without needing
// the network.
package tapeproxy
