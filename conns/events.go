package conns

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bikebuds/bikebuds/datastore"
	"github.com/bikebuds/bikebuds/models"
)

// SubscriptionEventName derives the dedup identity of an inbound event:
// a hash over its identifying fields, sorted so field order on the wire
// never changes the name. Vendors redeliver aggressively; two deliveries
// of the same notification must collapse to one document key.
func SubscriptionEventName(event *models.SubscriptionEvent) string {
	pairs := []string{
		"object_id=" + strconv.FormatInt(event.ObjectID, 10),
		"object_type=" + event.ObjectType,
		"aspect_type=" + event.AspectType,
		"event_time=" + strconv.FormatInt(event.EventTime, 10),
		"owner_id=" + strconv.FormatInt(event.OwnerID, 10),
		"subscription_id=" + strconv.FormatInt(event.SubscriptionID, 10),
	}

	for k, v := range event.Updates {
		pairs = append(pairs, "updates."+k+"="+v)
	}

	for k, v := range event.EventData {
		pairs = append(pairs, "data."+k+"="+v)
	}

	// Failure records carry none of the identifying fields; the receipt
	// time keeps each undecodable delivery its own document instead of
	// collapsing them all into one.
	if event.Failure {
		pairs = append(pairs,
			"failure=true",
			"url="+event.URL,
			"date="+event.Date.UTC().Format(time.RFC3339Nano),
		)
	}

	sort.Strings(pairs)

	sum := sha256.Sum256([]byte(strings.Join(pairs, "&")))

	return hex.EncodeToString(sum[:])
}

// SubscriptionEventKey returns the document key of an event under its
// connection.
func SubscriptionEventKey(serviceKey *datastore.Key, event *models.SubscriptionEvent) *datastore.Key {
	return datastore.NewKey(KindSubscriptionEvent, SubscriptionEventName(event), serviceKey)
}

// IngestEvent stores an inbound event with create-if-absent semantics.
// It reports whether the event was new; a redelivered duplicate is
// dropped without error so the webhook surface can always acknowledge.
func (r *Registry) IngestEvent(ctx context.Context, serviceKey *datastore.Key, event *models.SubscriptionEvent) (bool, error) {
	if event.Date.IsZero() {
		event.Date = r.now()
	}

	key := SubscriptionEventKey(serviceKey, event)

	err := r.store.Create(ctx, key, event)
	if err == nil {
		r.logger.Debug("event stored", zap.String("key", key.String()))

		return true, nil
	}

	if errors.Is(err, datastore.ErrAlreadyExists) {
		r.logger.Debug("duplicate event dropped", zap.String("key", key.String()))

		return false, nil
	}

	return false, fmt.Errorf("failed to store event: %w", err)
}

// SubscriptionKey returns the key of the webhook registration record of a
// connection.
func SubscriptionKey(serviceKey *datastore.Key) *datastore.Key {
	return datastore.NewKey(KindSubscription, serviceKey.Name, serviceKey)
}

// PutSubscription records the webhook registration held at the vendor for
// this connection.
func (r *Registry) PutSubscription(ctx context.Context, serviceKey *datastore.Key, sub *models.Subscription) error {
	if sub.Date.IsZero() {
		sub.Date = r.now()
	}

	return r.store.Put(ctx, SubscriptionKey(serviceKey), sub)
}
