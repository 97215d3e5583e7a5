// Package session provides recording session management and the
// finalization protocol. A registry maps session identifiers to live
// backend connections and accumulating transcript buffers; each
// session's state is owned by a single event-loop goroutine, so
// cross-session isolation holds by construction.
package session
