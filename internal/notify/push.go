package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/courier-dispatch/internal/models"
)

// PushDispatcher posts offers and customer events to an external push
// gateway (FCM proxy or similar). Payload shape past the gateway is not
// our concern.
type PushDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushDispatcher(endpoint, key string) *PushDispatcher {
	return &PushDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushDispatcher) OfferToDriver(ctx context.Context, driverID string, offer models.OfferSummary) error {
	return p.post(ctx, map[string]any{
		"kind":      "driver_offer",
		"driver_id": driverID,
		"offer":     offer,
	})
}

func (p *PushDispatcher) NotifyCustomer(ctx context.Context, orderID string, event models.CustomerEvent) error {
	return p.post(ctx, map[string]any{
		"kind":     "customer_event",
		"order_id": orderID,
		"event":    event,
	})
}

func (p *PushDispatcher) post(ctx context.Context, payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway status %d", resp.StatusCode)
	}
	return nil
}
