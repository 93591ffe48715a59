// Package tls is the broker's mutual TLS front door.
//
// A Listener binds the broker port, runs one handshake per accepted
// connection under a deadline and only hands out sessions whose client
// presented a certificate chaining to the configured trust anchors. Serving
// credentials can be swapped at runtime without touching established
// sessions; CredentialReloader and ExpiryMonitor drive that from the key and
// trust store files.
package tls
