package consumer

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/twmb/franz-go/pkg/kgo"

	"isolator/internal/config"
	"isolator/internal/metadata"
	"isolator/internal/storage"
	"isolator/internal/storage/memory"
)

func TestKafkaFetcherIntegration(t *testing.T) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker/container runtime unavailable: %v", r)
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "docker.redpanda.com/redpandadata/redpanda:v24.1.8",
		ExposedPorts: []string{"9092/tcp"},
		Cmd:          []string{"redpanda", "start", "--overprovisioned", "--smp", "1", "--memory", "512M", "--reserve-memory", "0M", "--check=false", "--node-id", "0", "--kafka-addr", "0.0.0.0:9092", "--advertise-kafka-addr", "127.0.0.1:9092"},
		WaitingFor:   wait.ForLog("Successfully started Redpanda"),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("docker/container runtime unavailable: %v", err)
	}
	defer func() { _ = ctr.Terminate(ctx) }()

	host, _ := ctr.Host(ctx)
	port, _ := ctr.MappedPort(ctx, "9092")
	broker := fmt.Sprintf("%s:%s", host, port.Port())

	producer, err := kgo.NewClient(kgo.SeedBrokers(broker), kgo.AllowAutoTopicCreation(), kgo.RecordPartitioner(kgo.ManualPartitioner()))
	require.NoError(t, err)
	defer producer.Close()
	require.NoError(t, producer.ProduceSync(ctx, &kgo.Record{Topic: "storeA_v1", Partition: 0, Key: []byte("k"), Value: []byte("v")}).FirstErr())

	meta, err := metadata.Open(filepath.Join(t.TempDir(), "metadata.db"))
	require.NoError(t, err)
	defer meta.Close()

	svc := New(storage.NewRepository(memory.Factory), meta, KafkaFetchers(config.KafkaConfig{Brokers: []string{broker}}))
	defer svc.Stop()
	require.NoError(t, svc.StartConsumption(ctx, config.StreamConfig{Name: "storeA_v1", Topic: "storeA_v1"}, 0))

	require.Eventually(t, func() bool {
		cp, err := meta.LastCheckpoint(ctx, "storeA_v1", 0)
		return err == nil && cp.Offset == 0
	}, 15*time.Second, 100*time.Millisecond)
}
