package drive

import (
	"context"
	"sync"
	"time"
)

// Processor owns the goroutine of one drive and its blink timer. Start it
// once; cancel the context or call Stop to shut down.
type Processor struct {
	drive  *Drive
	cancel context.CancelFunc
	wg     *sync.WaitGroup
}

func NewProcessor(d *Drive) *Processor {
	return &Processor{drive: d, wg: &sync.WaitGroup{}}
}

// Start launches the system task and the LED blink ticker.
func (p *Processor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	stop := make(chan struct{})
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		<-ctx.Done()
		close(stop)
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.drive.run(stop)
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if p.drive.Leds.Dirty() {
					p.drive.Leds.ToggleBlink()
				}
			}
		}
	}()
	return nil
}

// Stop cancels the processing and waits for the task to exit.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}
