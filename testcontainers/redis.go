package testcontainers

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const defaultRedisPort = "6379"

// RedisContainer represents a Redis container for testing.
type RedisContainer struct {
	testcontainers.Container
	Host string
	Port int
}

// NewRedisContainer starts a Redis container, waits for it to accept
// connections and verifies it with a ping.
func NewRedisContainer(ctx context.Context) (*RedisContainer, error) {
	req := testcontainers.ContainerRequest{
		Image:        "redis:latest",
		ExposedPorts: []string{defaultRedisPort + "/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	mappedPort, err := container.MappedPort(ctx, defaultRedisPort)
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	port, err := strconv.Atoi(mappedPort.Port())
	if err != nil {
		return nil, fmt.Errorf("failed to parse port: %w", err)
	}

	ans := &RedisContainer{Container: container, Host: host, Port: port}

	client := redis.NewClient(&redis.Options{Addr: ans.GetAddr()})
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return ans, nil
}

// GetAddr returns the host:port of the Redis instance.
func (c *RedisContainer) GetAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
