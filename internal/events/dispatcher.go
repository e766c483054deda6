package events

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog"

	"voicedialer/internal/esl"
)

// Dispatcher fans the ordered event stream out to a fixed set of workers.
// Events are sharded by channel uuid, so events on one channel stay
// ordered while unrelated channels proceed in parallel.
type Dispatcher struct {
	handler *Handler
	shards  []chan *esl.Event
	logger  zerolog.Logger
}

func NewDispatcher(handler *Handler, workers int, logger zerolog.Logger) *Dispatcher {
	if workers <= 0 {
		workers = 8
	}
	shards := make([]chan *esl.Event, workers)
	for i := range shards {
		shards[i] = make(chan *esl.Event, 256)
	}
	return &Dispatcher{handler: handler, shards: shards, logger: logger}
}

// Run consumes the stream until it closes or the context ends.
func (d *Dispatcher) Run(ctx context.Context, stream <-chan *esl.Event) {
	var wg sync.WaitGroup
	for _, shard := range d.shards {
		wg.Add(1)
		go func(ch <-chan *esl.Event) {
			defer wg.Done()
			for ev := range ch {
				d.handler.Handle(ctx, ev)
			}
		}(shard)
	}

	for {
		select {
		case <-ctx.Done():
			d.close(&wg)
			return
		case ev, ok := <-stream:
			if !ok {
				d.close(&wg)
				return
			}
			d.shards[d.shardFor(ev)] <- ev
		}
	}
}

func (d *Dispatcher) shardFor(ev *esl.Event) int {
	uuid := ev.UUID()
	if uuid == "" {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(uuid))
	return int(h.Sum32() % uint32(len(d.shards)))
}

func (d *Dispatcher) close(wg *sync.WaitGroup) {
	for _, shard := range d.shards {
		close(shard)
	}
	wg.Wait()
	d.logger.Info().Msg("event dispatcher stopped")
}
