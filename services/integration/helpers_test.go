package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/AfshinJalili/collateral/libs/auth"
	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

// Identities created by the vault seed tool.
var (
	aliceID  = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	bobID    = uuid.MustParse("00000000-0000-0000-0000-000000000002")
	callerID = uuid.MustParse("00000000-0000-0000-0000-000000000101")
)

const (
	seededCallerKey  = "vk_dev_demo0001.demosecret0001"
	revokedCallerKey = "vk_dev_revoked0001.revokedsecret0001"
)

type balanceUpdatedEvent struct {
	EventID          string `json:"event_id"`
	EventType        string `json:"event_type"`
	Owner            string `json:"owner"`
	AvailableBalance uint64 `json:"available_balance"`
	Signature        string `json:"signature"`
}

func getVaultURL() string {
	if url := os.Getenv("VAULT_URL"); url != "" {
		return url
	}
	return "http://localhost:8080"
}

func getKafkaBrokers() []string {
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return []string{"localhost:9092"}
}

func ownerToken(t *testing.T, owner uuid.UUID) string {
	t.Helper()
	secret := os.Getenv("VAULT_AUTH_JWT_SECRET")
	if secret == "" {
		t.Skip("set VAULT_AUTH_JWT_SECRET to the vault service secret")
	}
	token, err := auth.SignJWT(owner.String(), []string{"owner"}, time.Hour, []byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func makeVaultRequest(method, path string, body any, headers map[string]string) (*http.Response, error) {
	var reqBody []byte
	if body != nil {
		var err error
		reqBody, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequest(method, getVaultURL()+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	return client.Do(req)
}

// call performs the request, checks the status and decodes the body into out when non-nil.
func call(t *testing.T, method, path string, body any, headers map[string]string, wantStatus int, out any) {
	t.Helper()
	resp, err := makeVaultRequest(method, path, body, headers)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s %s: expected %d, got %d (%s)", method, path, wantStatus, resp.StatusCode, payload)
	}
	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func callerKey(key string) map[string]string {
	return map[string]string{"X-API-Key": key}
}

func waitForVault(t *testing.T) {
	t.Helper()

	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := makeVaultRequest(http.MethodGet, "/readyz", nil, nil)
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(500 * time.Millisecond)
	}

	t.Fatal("vault service not ready within timeout")
}

type balanceWatcher struct {
	events  chan balanceUpdatedEvent
	closeFn func()
}

func startBalanceWatcher(t *testing.T, topic string) balanceWatcher {
	t.Helper()
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Consumer.Return.Errors = true

	consumer, err := sarama.NewConsumer(getKafkaBrokers(), cfg)
	if err != nil {
		t.Fatalf("kafka consumer: %v", err)
	}

	ch := make(chan balanceUpdatedEvent, 32)
	partitions, err := consumer.Partitions(topic)
	if err != nil {
		t.Fatalf("partitions: %v", err)
	}
	var partitionConsumers []sarama.PartitionConsumer
	for _, p := range partitions {
		pc, err := consumer.ConsumePartition(topic, p, sarama.OffsetNewest)
		if err != nil {
			t.Fatalf("consume partition: %v", err)
		}
		partitionConsumers = append(partitionConsumers, pc)
		go func(partConsumer sarama.PartitionConsumer) {
			for msg := range partConsumer.Messages() {
				var event balanceUpdatedEvent
				if err := json.Unmarshal(msg.Value, &event); err != nil {
					continue
				}
				ch <- event
			}
		}(pc)
	}

	return balanceWatcher{
		events: ch,
		closeFn: func() {
			for _, pc := range partitionConsumers {
				_ = pc.Close()
			}
			_ = consumer.Close()
		},
	}
}

func waitForBalanceUpdate(t *testing.T, watcher balanceWatcher, owner uuid.UUID, signature string) balanceUpdatedEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			t.Fatalf("timed out waiting for balance update of %s", owner)
		case event := <-watcher.events:
			if event.Owner == owner.String() && event.Signature == signature {
				return event
			}
		}
	}
}
