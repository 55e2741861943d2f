package engine

import (
	"time"

	"merosslink/pkg/meross"
)

// batchEntry is one queued request plus its expected reply size.
type batchEntry struct {
	request meross.Request
	size    int
}

// requestPoll routes a strategy's getter through the batch when the device
// supports multi-request and the reply fits the budget, directly otherwise.
func (e *Engine) requestPoll(s *PollingStrategy, now time.Time) {
	s.lastRequest = now
	if e.multipleMax == 0 || s.ResponseSize >= e.responseSizeMax {
		_, _ = e.sendRequest(s.Request)
		return
	}
	e.appendMultiple(s.Request, s.ResponseSize)
}

// appendMultiple adds a request to the pending batch, flushing first when
// the accumulated reply estimate would overflow the learned budget, and
// flushing after when the device's slot capacity is reached.
func (e *Engine) appendMultiple(req meross.Request, size int) {
	if e.multipleSize == 0 {
		e.multipleSize = headerOverhead
	}
	if e.multipleSize+size > e.responseSizeMax && len(e.multiple) > 0 {
		e.flushMultiple()
		e.multipleSize = headerOverhead
	}
	e.multiple = append(e.multiple, batchEntry{request: req, size: size})
	e.multipleSize += size
	if len(e.multiple) >= e.multipleMax {
		e.flushMultiple()
	}
}

// flushMultiple sends the pending batch. Batch state is reset before the
// send so handlers re-queueing requests start from a clean slate.
func (e *Engine) flushMultiple() {
	batch := e.multiple
	e.multiple = nil
	e.multipleSize = 0

	switch len(batch) {
	case 0:
		return
	case 1:
		// No point paying the envelope overhead for one request.
		_, _ = e.sendRequest(batch[0].request)
		return
	}

	from := e.replyTopic
	if e.curProtocol == ProtocolMQTT && e.conn != nil {
		from = e.conn.ResponseTopic()
	}
	subs := make([]any, 0, len(batch))
	requests := make([]meross.Request, 0, len(batch))
	for _, entry := range batch {
		subs = append(subs, meross.NewMessage(e.key, entry.request, from))
		requests = append(requests, entry.request)
	}
	outer := meross.NewMessage(e.key, meross.Request{
		Namespace: meross.NSControlMultiple,
		Method:    meross.MethodSet,
		Payload:   map[string]any{meross.KeyMultiple: subs},
	}, from)

	e.pendingMultiple[outer.Header.MessageID] = requests
	if _, err := e.sendMessage(outer, meross.NSControlMultiple); err != nil {
		delete(e.pendingMultiple, outer.Header.MessageID)
	}
}

// handleMultiple dispatches the sub-replies of a batch ack and recovers the
// remainder when the device truncated it.
func (e *Engine) handleMultiple(msg *meross.Message) {
	pending := e.pendingMultiple[msg.Header.MessageID]
	delete(e.pendingMultiple, msg.Header.MessageID)

	responses := msg.Multiple()
	received := make(map[string]bool, len(responses))
	for _, sub := range responses {
		received[sub.Header.Namespace] = true
		e.dispatch(sub)
	}

	if pending == nil || len(responses) >= len(pending) {
		return
	}

	missing := make([]meross.Request, 0, len(pending)-len(responses))
	for _, req := range pending {
		if !received[req.Namespace] {
			missing = append(missing, req)
		}
	}

	if len(responses) > 0 {
		// Partial reply: re-queue what was cut off and flush again. The
		// shrunken budget keeps the retry smaller.
		for _, req := range missing {
			e.appendMultiple(req, e.estimateSize(req.Namespace))
		}
		e.flushMultiple()
		return
	}

	// Nothing came back at all; the device likely choked on the envelope.
	if e.online {
		for _, req := range missing {
			_, _ = e.sendRequest(req)
		}
	}
}

func (e *Engine) estimateSize(namespace string) int {
	if s := e.findStrategy(namespace); s != nil {
		return s.ResponseSize
	}
	return 1000
}
