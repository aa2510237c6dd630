// Package proxy is an intercepting HTTP proxy that records exchanges to, and
// replays them from, a tape.
//
// Plain HTTP requests are always intercepted. CONNECT tunnels are either
// decrypted with a local certificate authority (Config.TLS) or relayed
// untouched, optionally through the proxy the host used before. Each
// intercepted request is answered from the tape when a recorded entry
// matches; otherwise it is forwarded and, for writable tapes, the response
// is recorded.
//
// Responses carry an X-Tapeproxy header telling whether they were played
// back (PLAY) or recorded (REC).
//
//	srv := proxy.New(proxy.DefaultConfig())
//	if err := srv.Start(t); err != nil {
//		log.Fatal(err)
//	}
//	defer srv.Stop()
package proxy
