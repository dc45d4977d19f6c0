// Package agora is a chat backend spread over a cluster of actors.
//
// Each actor owns a single mailbox and is the only one reading from it,
// so it never needs a lock over its own state: everything it knows
// arrives as messages and everything it wants others to know leaves as
// messages, copied by value.
//
// ## Actors
//
// * the `UserRegistry` grants user names, first-come-first-served.
// * the `LoadBalancer` hands chat servers out to browsers, round robin,
// and tells every `Router` about all the others each time one joins.
// * a `Router` per chat server owns the websockets of its users and
// a replica of the cluster routing table. It forwards public messages to
// every router, private messages to the router of the receiver.
//
// ## Post office
//
// Mailboxes are created and addressed through a `PostOffice`. A message
// for a mailbox of the same process is copied into it, any other one is
// framed with protobuf and sent over a QUIC stream to the `PostOffice`
// hosting it. There is one stream per pair of processes, so messages of
// a writer are received in order.
//
// The registry and the balancer are found by name, in a directory
// shared by the cluster. Use `GossipDirectory` when processes are spread
// over many machines: names are advertised through
// [`hashicorp/memberlist`][dep-mbl] metadata. A `mailbox.MemoryDirectory`
// is enough when the whole cluster lives in a single process.
//
// ## Backpressure
//
// Mailboxes are bounded. A full mailbox blocks its writers until it is
// drained, whether they are local or remote: QUIC flow control slows the
// remote ones down. Nothing is ever dropped because a mailbox is full.
//
// Routers never block on their own sends though, a courier goroutine
// delivers on their behalf, so a router broadcasting to itself cannot
// deadlock.
//
// [dep-mbl]: https://pkg.go.dev/github.com/hashicorp/memberlist
package agora
