package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownMessage is returned when a request names no known message type.
var ErrUnknownMessage = errors.New("unknown message type")

// Message is one request from the extension. The set of messages is closed:
// every variant routes itself to its Handler method, so adding a variant
// without handling it does not compile.
type Message interface {
	Type() string
	dispatch(ctx context.Context, h Handler) (any, error)
}

// Message type names as sent in the "type" field.
const (
	TypeActivityDetected = "ActivityDetected"
	TypeGetDomainStatus  = "GetDomainStatus"
	TypeGetTodayStats    = "GetTodayStats"
	TypeGetStats         = "GetStats"
	TypeSetLimit         = "SetLimit"
	TypeRemoveLimit      = "RemoveLimit"
	TypeGetLimits        = "GetLimits"
)

// ActivityDetected reports user activity in a tab.
type ActivityDetected struct {
	Domain string `json:"domain"`
	// Timestamp is the sender's clock in epoch milliseconds. It is logged
	// only; the daemon's clock decides session boundaries.
	Timestamp int64 `json:"timestamp"`
	TabID     int   `json:"tabId"`
}

// GetDomainStatus asks for one domain's status.
type GetDomainStatus struct {
	Domain string `json:"domain"`
}

// GetTodayStats asks for today's time per domain.
type GetTodayStats struct{}

// GetStats asks for time per domain for the last Days days.
type GetStats struct {
	Days int `json:"days"`
}

// SetLimit creates or replaces a domain's limit.
type SetLimit struct {
	Domain  string `json:"domain"`
	LimitMs int64  `json:"limitMs"`
	Period  string `json:"period"`
}

// RemoveLimit deletes a domain's limit.
type RemoveLimit struct {
	Domain string `json:"domain"`
}

// GetLimits asks for the whole limits table.
type GetLimits struct{}

func (ActivityDetected) Type() string { return TypeActivityDetected }
func (GetDomainStatus) Type() string  { return TypeGetDomainStatus }
func (GetTodayStats) Type() string    { return TypeGetTodayStats }
func (GetStats) Type() string         { return TypeGetStats }
func (SetLimit) Type() string         { return TypeSetLimit }
func (RemoveLimit) Type() string      { return TypeRemoveLimit }
func (GetLimits) Type() string        { return TypeGetLimits }

func (m ActivityDetected) dispatch(ctx context.Context, h Handler) (any, error) { return h.ActivityDetected(ctx, m) }
func (m GetDomainStatus) dispatch(ctx context.Context, h Handler) (any, error)  { return h.GetDomainStatus(ctx, m) }
func (m GetTodayStats) dispatch(ctx context.Context, h Handler) (any, error)    { return h.GetTodayStats(ctx, m) }
func (m GetStats) dispatch(ctx context.Context, h Handler) (any, error)         { return h.GetStats(ctx, m) }
func (m SetLimit) dispatch(ctx context.Context, h Handler) (any, error)         { return h.SetLimit(ctx, m) }
func (m RemoveLimit) dispatch(ctx context.Context, h Handler) (any, error)      { return h.RemoveLimit(ctx, m) }
func (m GetLimits) dispatch(ctx context.Context, h Handler) (any, error)        { return h.GetLimits(ctx, m) }

// Handler handles every message variant.
type Handler interface {
	ActivityDetected(ctx context.Context, m ActivityDetected) (any, error)
	GetDomainStatus(ctx context.Context, m GetDomainStatus) (any, error)
	GetTodayStats(ctx context.Context, m GetTodayStats) (any, error)
	GetStats(ctx context.Context, m GetStats) (any, error)
	SetLimit(ctx context.Context, m SetLimit) (any, error)
	RemoveLimit(ctx context.Context, m RemoveLimit) (any, error)
	GetLimits(ctx context.Context, m GetLimits) (any, error)
}

// DecodeMessage decodes a {"type": "...", ...fields} request body.
func DecodeMessage(data []byte) (Message, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	var (
		msg Message
		err error
	)
	switch envelope.Type {
	case TypeActivityDetected:
		msg, err = decodeAs[ActivityDetected](data)
	case TypeGetDomainStatus:
		msg, err = decodeAs[GetDomainStatus](data)
	case TypeGetTodayStats:
		msg = GetTodayStats{}
	case TypeGetStats:
		msg, err = decodeAs[GetStats](data)
	case TypeSetLimit:
		msg, err = decodeAs[SetLimit](data)
	case TypeRemoveLimit:
		msg, err = decodeAs[RemoveLimit](data)
	case TypeGetLimits:
		msg = GetLimits{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, envelope.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", envelope.Type, err)
	}
	return msg, nil
}

func decodeAs[T Message](data []byte) (Message, error) {
	var m T
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
