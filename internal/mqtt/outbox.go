package mqtt

import (
	"slices"

	"github.com/rs/zerolog"
)

// bufferedMsg stores a serialized MQTT message for replay after reconnection.
type bufferedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// outbox holds messages produced while the broker is unreachable, oldest
// first. When full, the oldest QoS 0 playback message is evicted before any
// QoS 1 lifecycle event. Not safe for concurrent use; caller must synchronize.
type outbox struct {
	msgs     []bufferedMsg
	capacity int
	dropped  int
	warned   bool // a full-outbox warning was logged since the last drain
	log      zerolog.Logger
}

func newOutbox(capacity int, log zerolog.Logger) *outbox {
	return &outbox{capacity: max(capacity, 1), log: log}
}

func (o *outbox) push(msg bufferedMsg) {
	if len(o.msgs) >= o.capacity {
		o.evict()
	}
	o.msgs = append(o.msgs, msg)
}

func (o *outbox) evict() {
	i := slices.IndexFunc(o.msgs, func(m bufferedMsg) bool { return m.qos == 0 })
	if i < 0 {
		i = 0
	}
	if !o.warned {
		o.log.Warn().Int("capacity", o.capacity).Str("topic", o.msgs[i].topic).Msg("outbox full, dropping oldest")
		o.warned = true
	}
	o.msgs = slices.Delete(o.msgs, i, i+1)
	o.dropped++
}

// drain returns the queued messages in publish order and empties the outbox.
func (o *outbox) drain() []bufferedMsg {
	out := o.msgs
	o.msgs = nil
	o.warned = false
	return out
}

func (o *outbox) len() int {
	return len(o.msgs)
}
