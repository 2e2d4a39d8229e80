package broadcast_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/koopa0/system-design/14-math-arena/internal/broadcast"
	"github.com/koopa0/system-design/14-math-arena/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startNATS 啟動 NATS 容器並返回連線 URL
func startNATS(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.10-alpine",
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate nats container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)
	return fmt.Sprintf("nats://%s:%s", host, port.Port())
}

// TestNATS_Trigger 發布到 <prefix>.<channel>
func TestNATS_Trigger(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	url := startNATS(t)
	conn, err := broadcast.ConnectNATS(url, time.Second, logger.Discard())
	require.NoError(t, err)
	defer conn.Close()

	sub, err := conn.SubscribeSync("arena.>")
	require.NoError(t, err)
	require.NoError(t, conn.Flush())

	pub := broadcast.NewNATS(conn, "arena")
	assert.Equal(t, "arena.room-1", pub.Subject("room-1"))

	err = pub.Trigger(context.Background(), "room-1", broadcast.EventOpponentProgress, map[string]int{"currentQuestion": 4})
	require.NoError(t, err)

	m, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "arena.room-1", m.Subject)

	var msg broadcast.Message
	require.NoError(t, json.Unmarshal(m.Data, &msg))
	assert.Equal(t, broadcast.EventOpponentProgress, msg.Event)
	assert.JSONEq(t, `{"currentQuestion":4}`, string(msg.Data))
}

func TestNATS_CancelledContext(t *testing.T) {
	pub := broadcast.NewNATS((*nats.Conn)(nil), "arena")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, pub.Trigger(ctx, "room-1", "x", nil), context.Canceled)
}
