// Package stratum contains the protocol-aware pieces of the proxy: the
// mining.authorize rewriter for the miner-to-pool direction and the error
// observer for the pool-to-miner direction. Everything else on the wire is
// treated as opaque newline-delimited JSON and forwarded with its values
// intact.
package stratum
