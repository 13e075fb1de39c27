package stratum

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/stratumgate/stratumgate/pkg/metrics"
	"github.com/stratumgate/stratumgate/pkg/types"
)

// MethodAuthorize is the only Stratum method the proxy transforms.
const MethodAuthorize = "mining.authorize"

// IsTLSClientHello reports whether the first miner bytes open a TLS
// handshake record (0x16 0x03). Such connections are proxied opaquely.
func IsTLSClientHello(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x16 && b[1] == 0x03
}

// Uniquifier allocates a 1-based index for a claimed upstream credential
// base so concurrent miners with the same worker do not collide pool-side.
type Uniquifier interface {
	Claim(connID, base string) int
}

// Rewriter transforms the miner-to-pool half of one connection. Complete
// lines go through Process; everything that is not a mining.authorize with a
// configured alias passes through semantically unchanged.
type Rewriter struct {
	Alias  string
	ConnID string
	Uniq   Uniquifier

	// OnAuthorize, when set, receives the worker suffix of the original
	// credential each time an authorize line is processed.
	OnAuthorize func(worker string)

	Log zerolog.Logger
}

// Process takes one complete line (terminator included) and returns the
// bytes to place on the upstream socket. A nil result means the line is
// skipped (blank input). Unparseable lines are forwarded verbatim.
func (r *Rewriter) Process(line []byte) []byte {
	text := bytes.TrimRight(line, "\r\n")
	if len(text) == 0 {
		return nil
	}

	var msg map[string]interface{}
	if err := json.Unmarshal(text, &msg); err != nil {
		// Not JSON, transit as-is
		return line
	}

	method, _ := msg["method"].(string)
	if method == MethodAuthorize {
		if out, ok := r.rewriteAuthorize(msg); ok {
			return out
		}
	}

	out, err := json.Marshal(msg)
	if err != nil {
		return line
	}
	return append(out, '\n')
}

// rewriteAuthorize swaps the miner credential for alias[.worker], asking
// the uniquifier for a suffix when the base is already taken on this port.
func (r *Rewriter) rewriteAuthorize(msg map[string]interface{}) ([]byte, bool) {
	params, _ := msg["params"].([]interface{})
	if len(params) == 0 {
		return nil, false
	}
	original, ok := params[0].(string)
	if !ok {
		return nil, false
	}

	_, worker := types.SplitCredential(original)
	if r.OnAuthorize != nil {
		r.OnAuthorize(worker)
	}
	if r.Alias == "" {
		return nil, false
	}

	base := r.Alias
	if worker != "" {
		base = r.Alias + "." + worker
	}

	k := 1
	if r.Uniq != nil {
		k = r.Uniq.Claim(r.ConnID, base)
	}

	rewritten := base
	if k > 1 {
		if worker != "" {
			rewritten = fmt.Sprintf("%s.%s-%d", r.Alias, worker, k)
		} else {
			rewritten = fmt.Sprintf("%s-%d", r.Alias, k)
		}
	}

	params[0] = rewritten
	out, err := json.Marshal(msg)
	if err != nil {
		return nil, false
	}
	metrics.AuthorizeRewritesTotal.Inc()
	r.Log.Info().Str("from", original).Str("to", rewritten).Msg("authorize rewritten")
	return append(out, '\n'), true
}
