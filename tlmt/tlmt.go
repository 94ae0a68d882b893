// Package tlmt defines the anonymous telemetry abstraction. Events carry an
// installation identifier derived from host properties, never tokens or
// entity data.
package tlmt

import (
	"context"
	"crypto/sha256"
	"fmt"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/host"
)

var (
	once       sync.Once
	identifier installIdentifier
)

type Event struct {
	AnonymousID string
	Name        string
	Properties  map[string]any
}

func NewEvent(name string, props map[string]any) Event {
	ev := Event{
		AnonymousID: installID().id,
		Name:        name,
		Properties:  make(map[string]any),
	}

	for k, v := range installID().meta {
		ev.Properties[k] = v
	}

	for k, v := range props {
		ev.Properties[k] = v
	}

	return ev
}

type Telemetry interface {
	Send(ctx context.Context, event Event) error
	Close() error
}

type installIdentifier struct {
	id   string
	meta map[string]any
}

func installID() installIdentifier {
	once.Do(func() {
		seed := uuid.New().String()

		meta := make(map[string]any)

		info, err := host.Info()
		if err == nil {
			seed = info.HostID
			meta["os"] = info.OS
			meta["platform"] = info.Platform
			meta["platform_version"] = info.PlatformVersion
		}

		hash := sha256.New()
		hash.Write([]byte(seed))
		hash.Write([]byte(runtime.GOARCH))
		hash.Write([]byte(runtime.GOOS))
		hash.Write([]byte(runtime.Version()))

		identifier.id = fmt.Sprintf("%x", hash.Sum(nil))
		identifier.meta = meta
	})

	return identifier
}
