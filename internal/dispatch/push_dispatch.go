package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/25f3003058-afk/spllit-landing-sub001/internal/bus"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/models"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/observability"
)

// PushDispatcher forwards SOS alerts to an operations webhook (pager, chat
// room) so an alert still reaches a human when no dashboard is connected.
// It is a bus sink; posting happens on the Run goroutine.
type PushDispatcher struct {
	Endpoint string
	Client   *http.Client
	Logger   *slog.Logger
	// DrainTimeout bounds how long Run keeps posting after ctx is done.
	DrainTimeout time.Duration

	queue chan bus.Event
}

func NewPushDispatcher(endpoint string, logger *slog.Logger) *PushDispatcher {
	return &PushDispatcher{
		Endpoint:     endpoint,
		Client:       &http.Client{Timeout: 3 * time.Second},
		Logger:       logger,
		DrainTimeout: 5 * time.Second,
		queue:        make(chan bus.Event, 256),
	}
}

func (p *PushDispatcher) Deliver(ev bus.Event) {
	if ev.Type != models.EventEmergencySOS {
		return
	}
	select {
	case p.queue <- ev:
	default:
		observability.BusDropped.WithLabelValues("webhook").Inc()
		p.Logger.Error("sos_webhook_queue_full", "type", ev.Type)
	}
}

// Run posts queued alerts until ctx is done. Alerts still queued at that
// point are posted for at most DrainTimeout before Run returns.
func (p *PushDispatcher) Run(ctx context.Context) {
	// The client timeout bounds each post, shutdown or not.
	pctx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return
		case ev := <-p.queue:
			if err := p.post(pctx, ev); err != nil {
				p.Logger.Error("sos_webhook_failed", "endpoint", p.Endpoint, "error", err)
			}
		}
	}
}

func (p *PushDispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), p.DrainTimeout)
	defer cancel()
	for ctx.Err() == nil {
		select {
		case ev := <-p.queue:
			if err := p.post(ctx, ev); err != nil {
				p.Logger.Error("sos_webhook_failed", "endpoint", p.Endpoint, "error", err)
			}
		default:
			return
		}
	}
	if n := len(p.queue); n > 0 {
		p.Logger.Error("sos_webhook_drain_incomplete", "remaining", n)
	}
}

func (p *PushDispatcher) post(ctx context.Context, ev bus.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
