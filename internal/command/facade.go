// Package command lets callers invoke hub services without holding a
// reference to the wire client.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/TimonBed/dashboard-sub000/internal/ha"

	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned when no live client exists. Nothing is
	// queued; the command is simply dropped.
	ErrNotConnected = ha.ErrNotConnected
	ErrReadOnly     = errors.New("read-only mode: service calls are disabled")
	ErrInvalidID    = errors.New("entity id must have the form domain.object_id")
)

// ClientSource yields the live client, or nil when there is none.
type ClientSource interface {
	ActiveClient() ha.WireClient
}

// Facade forwards service calls to the active client.
type Facade struct {
	source   ClientSource
	logger   *zap.Logger
	readOnly bool
}

// NewFacade creates a Facade over source.
func NewFacade(source ClientSource, logger *zap.Logger) *Facade {
	return &Facade{source: source, logger: logger}
}

// SetReadOnly makes every later call fail with ErrReadOnly.
func (f *Facade) SetReadOnly(readOnly bool) {
	f.readOnly = readOnly
}

// CallService calls domain.service with data on the active client.
func (f *Facade) CallService(ctx context.Context, domain, service string, data map[string]interface{}) (json.RawMessage, error) {
	if f.readOnly {
		f.logger.Info("READ-ONLY: would call service",
			zap.String("domain", domain),
			zap.String("service", service),
			zap.Any("data", data))
		return nil, ErrReadOnly
	}

	client := f.source.ActiveClient()
	if client == nil || !client.IsConnected() {
		f.logger.Warn("Service call while disconnected",
			zap.String("domain", domain),
			zap.String("service", service))
		return nil, ErrNotConnected
	}

	result, err := client.CallService(ctx, domain, service, data)
	if err != nil {
		f.logger.Warn("Service call failed",
			zap.String("domain", domain),
			zap.String("service", service),
			zap.Error(err))
		return nil, err
	}

	f.logger.Debug("Service call succeeded",
		zap.String("domain", domain),
		zap.String("service", service))
	return result, nil
}

func (f *Facade) entityService(ctx context.Context, entityID, service string) error {
	domain := ha.Domain(entityID)
	if domain == "" || strings.HasSuffix(entityID, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidID, entityID)
	}
	_, err := f.CallService(ctx, domain, service, map[string]interface{}{
		"entity_id": entityID,
	})
	return err
}

// Toggle calls <domain>.toggle for entityID.
func (f *Facade) Toggle(ctx context.Context, entityID string) error {
	return f.entityService(ctx, entityID, "toggle")
}

// TurnOn calls <domain>.turn_on for entityID.
func (f *Facade) TurnOn(ctx context.Context, entityID string) error {
	return f.entityService(ctx, entityID, "turn_on")
}

// TurnOff calls <domain>.turn_off for entityID.
func (f *Facade) TurnOff(ctx context.Context, entityID string) error {
	return f.entityService(ctx, entityID, "turn_off")
}

// SetInputBoolean turns input_boolean.<name> on or off.
func (f *Facade) SetInputBoolean(ctx context.Context, name string, value bool) error {
	service := "turn_off"
	if value {
		service = "turn_on"
	}

	_, err := f.CallService(ctx, "input_boolean", service, map[string]interface{}{
		"entity_id": fmt.Sprintf("input_boolean.%s", name),
	})
	return err
}

// SetInputNumber sets the value of an input_number
func (f *Facade) SetInputNumber(ctx context.Context, name string, value float64) error {
	_, err := f.CallService(ctx, "input_number", "set_value", map[string]interface{}{
		"entity_id": fmt.Sprintf("input_number.%s", name),
		"value":     value,
	})
	return err
}

// SetInputText sets the value of an input_text
func (f *Facade) SetInputText(ctx context.Context, name string, value string) error {
	_, err := f.CallService(ctx, "input_text", "set_value", map[string]interface{}{
		"entity_id": fmt.Sprintf("input_text.%s", name),
		"value":     value,
	})
	return err
}
