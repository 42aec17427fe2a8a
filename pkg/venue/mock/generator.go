package mock

import (
	"context"
	"math/rand"
	"time"

	"xtp-bridge/pkg/venue"
)

// Generator pushes random-walk candles for every subscribed ticker. It is
// used when the bridge runs without a real venue.
type Generator struct {
	Venue      *Venue
	StartPrice float64
	Step       float64
	Interval   time.Duration
}

// Start runs the generator until ctx is cancelled.
func (g *Generator) Start(ctx context.Context) {
	if g.Venue == nil {
		return
	}
	if g.StartPrice == 0 {
		g.StartPrice = 10.0
	}
	if g.Step == 0 {
		g.Step = 0.05
	}
	if g.Interval == 0 {
		g.Interval = time.Second
	}

	go func() {
		prices := make(map[string]float64)
		t := time.NewTicker(g.Interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				g.Venue.mu.Lock()
				tickers := make([]string, 0, len(g.Venue.subscribed))
				for tk := range g.Venue.subscribed {
					tickers = append(tickers, tk)
				}
				g.Venue.mu.Unlock()

				for _, tk := range tickers {
					open, ok := prices[tk]
					if !ok {
						open = g.StartPrice
					}
					// simple random walk
					cls := open + (rand.Float64()*2-1)*g.Step
					hi, lo := max(open, cls), min(open, cls)
					vol := float64(100 * (1 + rand.Intn(50)))
					prices[tk] = cls
					bar := venue.Bar{Time: now.UnixMilli(), Open: &open, High: &hi, Low: &lo, Close: &cls, Volume: &vol}
					g.Venue.AppendHistory(tk, bar)
					g.Venue.EmitBar(tk, bar)
				}
			}
		}
	}()
}
