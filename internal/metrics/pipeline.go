package metrics

import (
	"fmt"
	"strings"

	"miabot/internal/bus"
)

var latencyBuckets = []float64{0.5, 1, 2, 5, 10, 30, 60, 120}

// QueueStats is the part of the task queue the gauges sample.
type QueueStats interface {
	Len() int
	Running() int
}

// Pipeline turns pipeline events into miabot_* series.
type Pipeline struct {
	c     *Collector
	queue QueueStats
}

// NewPipeline registers handlers on events. queue may be nil.
func NewPipeline(c *Collector, events *bus.EventBus, queue QueueStats) *Pipeline {
	p := &Pipeline{c: c, queue: queue}
	if events != nil {
		events.On("*", p.observe)
	}
	return p
}

func (p *Pipeline) Collector() *Collector { return p.c }

func (p *Pipeline) observe(e bus.Event) {
	switch e.Type {
	case bus.EventMessageReceived:
		p.c.Counter("miabot_messages_received_total", "Messages that passed the abuse gate",
			label("channel", e.Payload["channel"], "modality", e.Payload["modality"])).Inc()
	case bus.EventMessageDropped:
		p.c.Counter("miabot_messages_dropped_total", "Messages dropped before processing",
			label("reason", e.Payload["reason"])).Inc()
	case bus.EventRateLimited:
		p.c.Counter("miabot_rate_limited_total", "Messages rejected by the rate limiter", "").Inc()
	case bus.EventMessageReplied:
		p.c.Counter("miabot_replies_total", "Replies sent",
			label("kind", e.Payload["kind"])).Inc()
	case bus.EventContentBlocked:
		p.c.Counter("miabot_content_blocked_total", "Messages refused by the content filter",
			label("category", e.Payload["category"])).Inc()
	case bus.EventProviderUsed:
		name := e.Payload["provider"]
		p.c.Counter("miabot_provider_requests_total", "Successful provider calls",
			label("provider", name)).Inc()
		if ms, ok := e.Payload["latency_ms"].(int64); ok {
			p.c.Histogram("miabot_provider_latency_seconds", "Provider latency in seconds",
				label("provider", name), latencyBuckets).Observe(float64(ms) / 1000)
		}
	case bus.EventProviderFailed:
		p.c.Counter("miabot_provider_failures_total", "Failed provider calls",
			label("provider", e.Payload["provider"], "reason", e.Payload["reason"])).Inc()
	case bus.EventFallbackReply:
		p.c.Counter("miabot_fallback_replies_total", "Apologies sent after every chat provider failed", "").Inc()
	case bus.EventPipelineError:
		p.c.Counter("miabot_pipeline_errors_total", "Tasks that ended with an error", "").Inc()
	}
}

// SampleQueue refreshes the queue gauges. The HTTP handler calls it per scrape.
func (p *Pipeline) SampleQueue() {
	if p.queue == nil {
		return
	}
	p.c.Gauge("miabot_queue_pending", "Tasks waiting in the queue", "").Set(int64(p.queue.Len()))
	p.c.Gauge("miabot_queue_running", "Tasks currently running", "").Set(int64(p.queue.Running()))
}

// label formats key/value pairs as a Prometheus label set.
func label(kv ...any) string {
	parts := make([]string, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		v := fmt.Sprint(kv[i+1])
		if kv[i+1] == nil {
			v = ""
		}
		v = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(v)
		parts = append(parts, fmt.Sprintf(`%s="%s"`, kv[i], v))
	}
	return strings.Join(parts, ",")
}
