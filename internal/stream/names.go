package stream

// Stream naming for the frame pipeline. Workers derive nothing themselves —
// queue names come back from registration — but every producer and consumer
// agrees on these shapes.
const (
	// Upstream is the shared stream the ingest producer appends frame
	// metadata to.
	Upstream = "frames:metadata"

	// DLQ receives terminally failed frames with a dlq_reason.
	DLQ = "frames:dlq"

	queuePrefix  = "frames:queue:"
	resultPrefix = "results:"
)

// Queue returns the dedicated queue stream for a processor.
func Queue(processorID string) string { return queuePrefix + processorID }

// Results returns the result stream for a capability.
func Results(capability string) string { return resultPrefix + capability }
