// Package tlmt sends anonymous usage events: sync outcomes, event drain
// volumes and backfill runs. The instance identifier is a hash of local
// machine facts; no network call is made to derive it.
package tlmt

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/host"
)

var (
	once       sync.Once
	identifier instanceIdentifier
)

// Event is one telemetry data point.
type Event struct {
	AnonymousID string
	Name        string
	Properties  map[string]any
}

// NewEvent builds an event stamped with the instance identity and its
// host metadata.
func NewEvent(name string, props map[string]any) Event {
	ev := Event{
		AnonymousID: instanceID().id,
		Name:        name,
		Properties:  map[string]any{},
	}

	for k, v := range instanceID().meta {
		ev.Properties[k] = v
	}

	for k, v := range props {
		ev.Properties[k] = v
	}

	return ev
}

// Telemetry is the sink surface; implementations live in subpackages.
type Telemetry interface {
	Send(ctx context.Context, event Event) error
	Close() error
}

type instanceIdentifier struct {
	id   string
	meta map[string]any
}

func instanceID() instanceIdentifier {
	once.Do(func() {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = uuid.New().String()
		}

		hash := sha256.New()
		hash.Write([]byte(hostname))
		hash.Write([]byte(runtime.GOARCH))
		hash.Write([]byte(runtime.GOOS))
		hash.Write([]byte(runtime.Version()))

		meta := make(map[string]any)

		info, err := host.Info()
		if err == nil {
			meta["os"] = info.OS
			meta["platform"] = info.Platform
			meta["platform_family"] = info.PlatformFamily
			meta["platform_version"] = info.PlatformVersion
		}

		identifier.id = fmt.Sprintf("%x", hash.Sum(nil))
		identifier.meta = meta
	})

	return identifier
}
