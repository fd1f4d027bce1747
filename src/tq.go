package acomms

/*------------------------------------------------------------------
 *
 * Purpose:   	Transmit queue - hold sentences for the modem until
 *		the writer gets to them.
 *
 * Description:	Producers call append and go merrily on their way,
 *		unconcerned about when the sentence actually gets written.
 *		The queue is bounded.  When it is full the new sentence is
 *		dropped and a warning logged rather than blocking the
 *		caller, which may be the dispatch goroutine.
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

const DefaultTxQueueSize = 32

type txQueue struct {
	ch      chan []byte
	dropped atomic.Uint64
	logger  *log.Logger
}

func newTxQueue(size int, logger *log.Logger) *txQueue {
	return &txQueue{ //nolint:exhaustruct
		ch:     make(chan []byte, IfThenElse(size > 0, size, DefaultTxQueueSize)),
		logger: logger,
	}
}

func (q *txQueue) append(p []byte) bool {
	select {
	case q.ch <- p:
		return true
	default:
		var n = q.dropped.Add(1)
		q.logger.Warn("transmit queue full, dropping sentence", "line", string(p), "dropped", n)

		return false
	}
}

// run writes queued sentences until ctx is done or the transport fails.
func (q *txQueue) run(ctx context.Context, t Transport) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p := <-q.ch:
			if err := t.Write(p); err != nil {
				q.logger.Error("write to modem failed", "err", err)

				if !t.IsConnected() {
					return err
				}
			}
		}
	}
}
