package stratum

import (
	"bytes"
	"encoding/json"

	"github.com/rs/zerolog"
	"github.com/stratumgate/stratumgate/pkg/metrics"
)

// Error classes reported for upstream replies.
const (
	ErrorClassBenign = "benign"
	ErrorClassOther  = "other"
)

// benignMessages are pool errors that happen in normal operation and are
// not worth a warning.
var benignMessages = map[string]bool{
	"stale-work":   true,
	"unknown-work": true,
}

// maxCarry bounds the partial-line buffer; an opaque byte stream without
// newlines (TLS passthrough misses, binary garbage) must not accumulate.
const maxCarry = 8 << 10

// Observer watches the pool-to-miner byte stream for line-delimited JSON
// replies carrying errors. It never alters the stream; it only classifies
// and counts.
type Observer struct {
	Log   zerolog.Logger
	carry []byte
}

// Observe consumes the next verbatim chunk from the upstream socket.
func (o *Observer) Observe(chunk []byte) {
	o.carry = append(o.carry, chunk...)
	for {
		i := bytes.IndexByte(o.carry, '\n')
		if i < 0 {
			break
		}
		line := o.carry[:i]
		o.carry = o.carry[i+1:]
		o.classify(line)
	}
	if len(o.carry) > maxCarry {
		o.carry = nil
	}
}

func (o *Observer) classify(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	var msg map[string]interface{}
	if err := json.Unmarshal(line, &msg); err != nil {
		return
	}
	errField, ok := msg["error"]
	if !ok || errField == nil {
		return
	}

	text := errorMessage(errField)
	if benignMessages[text] {
		metrics.UpstreamErrorsTotal.WithLabelValues(ErrorClassBenign).Inc()
		o.Log.Info().Str("error", text).Msg("benign pool error")
		return
	}
	metrics.UpstreamErrorsTotal.WithLabelValues(ErrorClassOther).Inc()
	o.Log.Warn().Interface("error", errField).Msg("pool reply carries error")
}

// errorMessage extracts the human message from both error shapes seen on
// Stratum-V1 wires: {"code":-1,"message":"..."} and [code, "message", data].
func errorMessage(v interface{}) string {
	switch e := v.(type) {
	case map[string]interface{}:
		if s, ok := e["message"].(string); ok {
			return s
		}
	case []interface{}:
		if len(e) > 1 {
			if s, ok := e[1].(string); ok {
				return s
			}
		}
	}
	return ""
}
