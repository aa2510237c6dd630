// Package tape provides the tapes HTTP exchanges are recorded to and
// replayed from.
//
// A tape is a YAML file holding a stream of request/response entries. The
// proxy consults the tape for every intercepted request: a matching entry is
// played back, otherwise the request is forwarded and the exchange recorded,
// depending on the tape Mode. A Tape can also be used on its own as an
// http.RoundTripper.
package tape
