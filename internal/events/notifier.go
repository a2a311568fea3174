package events

import (
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/emeraldrp/beacon-gateway/internal/gateway"
)

const defaultEventBuffer = 256

// ChanNotifier fans channel state transitions out of the gateway pool
// without ever blocking a channel driver. When the buffer is full the
// event is dropped, the sender will catch up from the next one.
type ChanNotifier struct {
	eventChan chan gateway.StateEvent
	closed    atomic.Bool
}

func NewChanNotifier(buffer int) *ChanNotifier {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &ChanNotifier{
		eventChan: make(chan gateway.StateEvent, buffer),
	}
}

func (n *ChanNotifier) NotifyStateChanged(ev gateway.StateEvent) {
	if n.closed.Load() {
		return
	}
	select {
	case n.eventChan <- ev:
	default:
		log.Warn().Msgf("state event buffer is full, dropping %s -> %s for server %s", ev.From, ev.To, ev.ServerID)
	}
}

func (n *ChanNotifier) GetEventChan() <-chan gateway.StateEvent {
	return n.eventChan
}

func (n *ChanNotifier) Close() {
	if n.closed.CompareAndSwap(false, true) {
		close(n.eventChan)
	}
}
