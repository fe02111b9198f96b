package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/asheshgoplani/wa-deck/internal/statedb"
)

const (
	metaVAPIDPublic  = "vapid_public_key"
	metaVAPIDPrivate = "vapid_private_key"
)

// SubscriptionStore persists push subscriptions.
type SubscriptionStore interface {
	LoadSubscriptions(clientID string) ([]*statedb.SubscriptionRow, error)
	SaveSubscription(sub *statedb.SubscriptionRow) error
	DeleteSubscription(endpoint string) (bool, error)
}

// MetaStore is a small key/value store for the VAPID keypair.
type MetaStore interface {
	GetMeta(key string) (string, error)
	SetMeta(key, value string) error
}

// VAPIDKeys is an application server keypair.
type VAPIDKeys struct {
	PublicKey  string
	PrivateKey string
}

// EnsureVAPIDKeys loads the persisted keypair, generating and storing one
// on first use.
func EnsureVAPIDKeys(meta MetaStore) (keys VAPIDKeys, generated bool, err error) {
	pub, err := meta.GetMeta(metaVAPIDPublic)
	if err != nil {
		return VAPIDKeys{}, false, fmt.Errorf("read vapid public key: %w", err)
	}
	priv, err := meta.GetMeta(metaVAPIDPrivate)
	if err != nil {
		return VAPIDKeys{}, false, fmt.Errorf("read vapid private key: %w", err)
	}
	if strings.TrimSpace(pub) != "" && strings.TrimSpace(priv) != "" {
		return VAPIDKeys{PublicKey: pub, PrivateKey: priv}, false, nil
	}

	priv, pub, err = webpush.GenerateVAPIDKeys()
	if err != nil {
		return VAPIDKeys{}, false, fmt.Errorf("generate vapid keypair: %w", err)
	}
	if err := meta.SetMeta(metaVAPIDPrivate, priv); err != nil {
		return VAPIDKeys{}, false, fmt.Errorf("store vapid private key: %w", err)
	}
	if err := meta.SetMeta(metaVAPIDPublic, pub); err != nil {
		return VAPIDKeys{}, false, fmt.Errorf("store vapid public key: %w", err)
	}
	return VAPIDKeys{PublicKey: pub, PrivateKey: priv}, true, nil
}

// PushSender sends one encrypted notification and reports the gateway's
// HTTP status.
type PushSender interface {
	Send(ctx context.Context, payload []byte, sub *statedb.SubscriptionRow) (int, error)
}

type vapidPushSender struct {
	subject string
	keys    VAPIDKeys
}

func (s *vapidPushSender) Send(ctx context.Context, payload []byte, sub *statedb.SubscriptionRow) (int, error) {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		Subscriber:      s.subject,
		VAPIDPublicKey:  s.keys.PublicKey,
		VAPIDPrivateKey: s.keys.PrivateKey,
		TTL:             3600,
	})
	if resp != nil {
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
	}

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	if err != nil {
		return status, err
	}
	if status >= 400 {
		return status, fmt.Errorf("push gateway status %d", status)
	}
	return status, nil
}

type pushMessage struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Tag       string `json:"tag"`
	ClientID  string `json:"clientId"`
	Messages  int    `json:"messages"`
	Timestamp string `json:"timestamp"`
}

// Push notifies web push subscribers about new inbound batches.
// Subscriptions the gateway reports as gone (404/410) are deleted.
type Push struct {
	store     SubscriptionStore
	sender    PushSender
	publicKey string
	subject   string
}

// NewPush returns a push sink signing with keys.
func NewPush(store SubscriptionStore, keys VAPIDKeys, subject string) *Push {
	return newPushWithSender(store, &vapidPushSender{subject: subject, keys: keys}, keys.PublicKey, subject)
}

func newPushWithSender(store SubscriptionStore, sender PushSender, publicKey, subject string) *Push {
	return &Push{store: store, sender: sender, publicKey: publicKey, subject: subject}
}

// PublicKey returns the VAPID public key browsers subscribe with.
func (p *Push) PublicKey() string { return p.publicKey }

// Subject returns the VAPID subject.
func (p *Push) Subject() string { return p.subject }

// ErrInvalidSubscription is returned for incomplete subscription payloads.
var ErrInvalidSubscription = errors.New("invalid push subscription")

// Subscribe stores sub after validating it.
func (p *Push) Subscribe(sub *statedb.SubscriptionRow) error {
	sub.Endpoint = strings.TrimSpace(sub.Endpoint)
	sub.P256dh = strings.TrimSpace(sub.P256dh)
	sub.Auth = strings.TrimSpace(sub.Auth)
	switch {
	case sub.Endpoint == "":
		return fmt.Errorf("%w: endpoint is required", ErrInvalidSubscription)
	case sub.P256dh == "":
		return fmt.Errorf("%w: keys.p256dh is required", ErrInvalidSubscription)
	case sub.Auth == "":
		return fmt.Errorf("%w: keys.auth is required", ErrInvalidSubscription)
	}
	if u, err := url.Parse(sub.Endpoint); err != nil || u.Scheme != "https" {
		return fmt.Errorf("%w: endpoint must be an https url", ErrInvalidSubscription)
	}
	return p.store.SaveSubscription(sub)
}

// Unsubscribe removes the subscription for endpoint.
func (p *Push) Unsubscribe(endpoint string) (bool, error) {
	return p.store.DeleteSubscription(strings.TrimSpace(endpoint))
}

// Subscriptions returns every stored subscription.
func (p *Push) Subscriptions() ([]*statedb.SubscriptionRow, error) {
	return p.store.LoadSubscriptions("")
}

func (p *Push) Deliver(ctx context.Context, b Batch) error {
	subs, err := p.store.LoadSubscriptions(b.ClientID)
	if err != nil {
		return fmt.Errorf("push: list subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}

	n := b.MessageCount()
	payload, err := json.Marshal(pushMessage{
		Title:     fmt.Sprintf("%s: %d new message(s)", b.ClientID, n),
		Body:      pushBody(b),
		Tag:       "wadeck-" + b.ClientID,
		ClientID:  b.ClientID,
		Messages:  n,
		Timestamp: b.At.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("push: marshal: %w", err)
	}

	var errs []error
	for _, sub := range subs {
		status, err := p.sender.Send(ctx, payload, sub)
		if err == nil {
			continue
		}
		if status == http.StatusGone || status == http.StatusNotFound {
			if _, derr := p.store.DeleteSubscription(sub.Endpoint); derr != nil {
				errs = append(errs, derr)
			}
			eventsLog.Info("push_subscription_expired", slog.String("endpoint", endpointForLog(sub.Endpoint)))
			continue
		}
		eventsLog.Warn("push_send_failed",
			slog.String("endpoint", endpointForLog(sub.Endpoint)),
			slog.Int("http_status", status),
			slog.String("error", err.Error()))
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func pushBody(b Batch) string {
	names := make([]string, 0, len(b.Groups))
	for _, g := range b.Groups {
		name := g.Chat.Name
		if name == "" {
			name = g.Chat.ID
		}
		names = append(names, name)
	}
	if len(names) > 3 {
		names = append(names[:3], fmt.Sprintf("+%d more", len(names)-3))
	}
	return strings.Join(names, ", ")
}

func endpointForLog(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "invalid"
	}
	return u.Scheme + "://" + u.Host
}
