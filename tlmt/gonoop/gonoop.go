// Package gonoop is the telemetry sink used when reporting is disabled.
package gonoop

import (
	"context"

	"github.com/bikebuds/bikebuds/tlmt"
)

type service struct {
}

func New() tlmt.Telemetry {
	return &service{}
}

func (s *service) Send(context.Context, tlmt.Event) error {
	return nil
}

func (s *service) Close() error {
	return nil
}
