package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// LedgerEventMessage is the wire payload published for every committed
// ledger or transaction change.
type LedgerEventMessage struct {
	ID            int             `json:"id"`
	ProgramId     string          `json:"program_id"`
	EventType     string          `json:"event_type"`
	OccurredAt    time.Time       `json:"occurred_at"`
	ReferenceId   int             `json:"reference_id"`
	ReferenceType string          `json:"reference_type"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationId string          `json:"correlation_id"`
}

var (
	pubsubClient   *pubsub.Client
	pubsubClientMu sync.Mutex

	ledgerTopics   = map[string]*pubsub.Topic{}
	ledgerTopicsMu sync.Mutex
)

// ledgerTopic keeps one ordered publisher per topic name for the process.
func ledgerTopic(client *pubsub.Client, name string) *pubsub.Topic {
	ledgerTopicsMu.Lock()
	defer ledgerTopicsMu.Unlock()
	if t, ok := ledgerTopics[name]; ok {
		return t
	}
	t := client.Topic(name)
	t.EnableMessageOrdering = true
	ledgerTopics[name] = t
	return t
}

func getPubSubProjectID() string {
	if v := os.Getenv("PUBSUB_PROJECT_ID"); v != "" {
		return v
	}
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		return v
	}
	return os.Getenv("GCP_PROJECT")
}

// getPubSubClient returns the shared client, creating it with retries.
// Application Default Credentials are used unless PUBSUB_CREDENTIALS_JSON is set.
func getPubSubClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubClientMu.Lock()
	if pubsubClient != nil {
		c := pubsubClient
		pubsubClientMu.Unlock()
		return c, nil
	}
	pubsubClientMu.Unlock()

	projectID := getPubSubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}
	credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON")

	var attempt int
	for {
		attempt++

		var (
			c   *pubsub.Client
			err error
		)
		if credJSON != "" {
			c, err = pubsub.NewClient(ctx, projectID, option.WithCredentialsJSON([]byte(credJSON)))
		} else {
			c, err = pubsub.NewClient(ctx, projectID)
		}
		if err == nil {
			pubsubClientMu.Lock()
			if pubsubClient == nil {
				pubsubClient = c
			} else {
				_ = c.Close()
			}
			c2 := pubsubClient
			pubsubClientMu.Unlock()

			log.Printf("pubsub client ready (project_id=%s attempt=%d)", projectID, attempt)
			return c2, nil
		}

		sleep := retrySleep(attempt)
		log.Printf("failed to init pubsub client (project_id=%s attempt=%d): %v; retrying in %s", projectID, attempt, err, sleep)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// PublishLedgerEventWithResult publishes msg to PUBSUB_TOPIC and returns the
// server-assigned message ID.
func PublishLedgerEventWithResult(ctx context.Context, msg LedgerEventMessage) (string, error) {
	client, err := getPubSubClient(ctx)
	if err != nil {
		return "", err
	}

	topicName := os.Getenv("PUBSUB_TOPIC")
	if topicName == "" {
		return "", errors.New("PUBSUB_TOPIC is required")
	}

	t := ledgerTopic(client, topicName)
	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	orderingKey := fmt.Sprintf("%s:%s:%d", msg.ProgramId, msg.ReferenceType, msg.ReferenceId)
	result := t.Publish(ctx, &pubsub.Message{
		Data:        data,
		OrderingKey: orderingKey,
		Attributes: map[string]string{
			"event_type":     msg.EventType,
			"program_id":     msg.ProgramId,
			"reference_type": msg.ReferenceType,
			"correlation_id": msg.CorrelationId,
		},
	})
	id, err := result.Get(ctx)
	if err != nil {
		// a failed ordered publish pauses the key until resumed
		t.ResumePublish(orderingKey)
		return "", err
	}
	return id, nil
}
