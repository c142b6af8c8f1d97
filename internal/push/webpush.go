package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/haasonsaas/agenthub/internal/store"
)

// WebPushSink delivers payloads over the Web Push protocol with VAPID
// authentication.
type WebPushSink struct {
	keys       store.VapidKeys
	subscriber string
}

// NewWebPushSink builds the production sink. subscriber is the VAPID
// contact address (mailto or https URL).
func NewWebPushSink(keys store.VapidKeys, subscriber string) *WebPushSink {
	return &WebPushSink{keys: keys, subscriber: subscriber}
}

// Send pushes one payload. 404 and 410 from the push service surface as
// ErrGone so the manager can drop the subscription.
func (s *WebPushSink) Send(ctx context.Context, sub Subscription, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := webpush.SendNotificationWithContext(ctx, body, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256dh,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		Subscriber:      s.subscriber,
		VAPIDPublicKey:  s.keys.PublicKey,
		VAPIDPrivateKey: s.keys.PrivateKey,
		TTL:             60,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return ErrGone
	case resp.StatusCode >= 400:
		return fmt.Errorf("push service returned %d", resp.StatusCode)
	}
	return nil
}

// EnsureVapidKeys loads the hub's VAPID pair, generating and persisting a
// fresh one on first run.
func EnsureVapidKeys(s *store.AgentStore) (store.VapidKeys, error) {
	keys, err := s.LoadVapidKeys()
	if err == nil {
		return keys, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.VapidKeys{}, err
	}
	private, public, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return store.VapidKeys{}, fmt.Errorf("generate vapid keys: %w", err)
	}
	keys = store.VapidKeys{PublicKey: public, PrivateKey: private}
	if err := s.SaveVapidKeys(keys); err != nil {
		return store.VapidKeys{}, fmt.Errorf("persist vapid keys: %w", err)
	}
	return keys, nil
}
