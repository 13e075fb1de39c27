// Package proxy implements the data plane: per-tenant TCP listeners and the
// byte pipelines between miners and pools.
//
// The fabric owns one PortServer per tenant port. A PortServer captures a
// routing Snapshot (upstream host, port, alias, sleep flag, subscription
// expiry) when it starts and serves every accepted connection from that
// snapshot; control-plane changes take effect through targeted port reloads,
// never by mutating a live server.
//
// Each accepted miner connection becomes a Pipeline with two copy loops.
// Miner-to-pool traffic is read line-wise and passed through the stratum
// rewriter so mining.authorize carries the tenant's pool alias instead of
// the miner credential; pool-to-miner traffic is relayed verbatim with a
// side-channel error observer. A TLS handshake from the miner switches the
// whole connection to opaque passthrough.
//
// The per-port WorkerRegistry keeps concurrent miners that present the same
// worker name from colliding upstream by handing out "-2", "-3" suffixes.
package proxy
