// Package remote talks to the call sync server. Every request is a POST
// carrying an action name; responses share one JSON envelope.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"callsync/internal/logger"
	"callsync/internal/model"
)

const (
	syncPath   = "/api/sync"
	uploadPath = "/api/recordings"
)

// ErrAlreadyCompleted means the server already holds the finished recording.
var ErrAlreadyCompleted = errors.New("recording already completed")

// APIError is a non-success server response.
type APIError struct {
	Action     string
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "request failed"
	}
	return fmt.Sprintf("%s: status %d: %s", e.Action, e.StatusCode, msg)
}

func (e *APIError) alreadyCompleted() bool {
	return strings.EqualFold(e.Code, "already_completed") ||
		strings.Contains(strings.ToLower(e.Message), "already completed")
}

// IdentityFunc returns the pairing identifiers sent with every request.
type IdentityFunc func(ctx context.Context) (orgID, deviceID string, err error)

// Config configures a Client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client is the JSON-over-HTTP sync API client.
type Client struct {
	http *resty.Client
	log  *logger.Logger
}

type envelope struct {
	Success bool            `json:"success"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func NewClient(cfg Config, identity IdentityFunc, log *logger.Logger) *Client {
	hc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		hc.SetAuthToken(cfg.Token)
	}
	if identity != nil {
		hc.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			org, device, err := identity(r.Context())
			if err != nil {
				return fmt.Errorf("resolve identity: %w", err)
			}
			r.SetHeader("X-Org-ID", org)
			r.SetHeader("X-Device-ID", device)
			return nil
		})
	}
	return &Client{http: hc, log: log.Named("remote")}
}

func (c *Client) call(ctx context.Context, action string, body map[string]any, out any) error {
	if body == nil {
		body = map[string]any{}
	}
	body["action"] = action
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(syncPath)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%s: %w", action, err)
	}
	c.log.Debug("api call", logger.String("action", action), logger.Int("status", resp.StatusCode()), logger.Duration("took", resp.Time()))
	return decode(action, resp, out)
}

func decode(action string, resp *resty.Response, out any) error {
	var env envelope
	if len(bytes.TrimSpace(resp.Body())) > 0 {
		if err := json.Unmarshal(resp.Body(), &env); err != nil && !resp.IsError() {
			return fmt.Errorf("%s: decode response: %w", action, err)
		}
	}
	if resp.IsError() || !env.Success {
		apiErr := &APIError{Action: action, StatusCode: resp.StatusCode(), Code: env.Code, Message: env.Message}
		if apiErr.Message == "" && resp.IsError() {
			apiErr.Message = strings.TrimSpace(resp.String())
		}
		if apiErr.alreadyCompleted() {
			return fmt.Errorf("%w: %w", ErrAlreadyCompleted, apiErr)
		}
		return apiErr
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s: decode data: %w", action, err)
		}
	}
	return nil
}

// FetchConfig returns the device configuration.
func (c *Client) FetchConfig(ctx context.Context) (model.RemoteConfig, error) {
	var cfg model.RemoteConfig
	err := c.call(ctx, "fetch_config", nil, &cfg)
	return cfg, err
}

// Updates is the delta returned by fetch_updates.
type Updates struct {
	Calls      []model.CallUpdate   `json:"calls"`
	Persons    []model.PersonUpdate `json:"persons"`
	ServerTime int64                `json:"server_time"`
}

// FetchUpdates pulls every server change since the given watermark.
func (c *Client) FetchUpdates(ctx context.Context, sinceMs int64) (Updates, error) {
	var u Updates
	err := c.call(ctx, "fetch_updates", map[string]any{"since": sinceMs}, &u)
	return u, err
}

// CallPayload is the wire form of a pushed call.
type CallPayload struct {
	CompositeID   string `json:"composite_id"`
	PhoneNumber   string `json:"phone_number"`
	ContactName   string `json:"contact_name,omitempty"`
	CallType      string `json:"call_type"`
	DurationSec   int    `json:"duration_sec"`
	CallTimestamp int64  `json:"call_timestamp"`
	SimSlot       *int   `json:"sim_slot,omitempty"`
	DevicePhone   string `json:"device_phone,omitempty"`
	Note          string `json:"note,omitempty"`
	Reviewed      bool   `json:"reviewed"`
	UpdatedAt     int64  `json:"updated_at"`
}

func payloadFor(r model.CallRecord) CallPayload {
	return CallPayload{
		CompositeID:   r.CompositeID,
		PhoneNumber:   r.PhoneNumber,
		ContactName:   r.ContactName,
		CallType:      string(r.CallType),
		DurationSec:   r.DurationSec,
		CallTimestamp: r.CallTimestamp,
		SimSlot:       r.SimSlot,
		DevicePhone:   r.DevicePhone,
		Note:          r.Note,
		Reviewed:      r.Reviewed,
		UpdatedAt:     r.UpdatedAt,
	}
}

// FailedItem is a record the server rejected inside a batch.
type FailedItem struct {
	CompositeID string `json:"composite_id"`
	Error       string `json:"error"`
}

// BatchResult is the response to batch_sync_calls.
type BatchResult struct {
	SyncedIDs  []string     `json:"synced_ids"`
	Failed     []FailedItem `json:"failed"`
	ServerTime int64        `json:"server_time"`
}

// BatchSyncCalls upserts new calls in one request.
func (c *Client) BatchSyncCalls(ctx context.Context, calls []model.CallRecord) (BatchResult, error) {
	payload := make([]CallPayload, 0, len(calls))
	for _, r := range calls {
		payload = append(payload, payloadFor(r))
	}
	var res BatchResult
	err := c.call(ctx, "batch_sync_calls", map[string]any{"calls": payload}, &res)
	return res, err
}

// UpdateCall pushes one already-known call. Returns the server time.
func (c *Client) UpdateCall(ctx context.Context, call model.CallRecord) (int64, error) {
	var res struct {
		ServerTime int64 `json:"server_time"`
	}
	err := c.call(ctx, "update_call", map[string]any{"call": payloadFor(call)}, &res)
	return res.ServerTime, err
}

// UpdatePerson pushes a person's note, label and name.
func (c *Client) UpdatePerson(ctx context.Context, p model.PersonRecord) error {
	return c.call(ctx, "update_person", map[string]any{"person": map[string]any{
		"phone_number": p.PhoneNumber,
		"note":         p.Note,
		"label":        p.Label,
		"contact_name": p.ContactName,
		"updated_at":   p.UpdatedAt,
	}}, nil)
}

// UploadChunk sends one chunk of a recording. ErrAlreadyCompleted is wrapped
// into the returned error when the server already finalized this recording.
func (c *Client) UploadChunk(ctx context.Context, compositeID string, index int, data []byte) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetMultipartFormData(map[string]string{
			"action":       "upload_chunk",
			"composite_id": compositeID,
			"chunk_index":  strconv.Itoa(index),
		}).
		SetFileReader("chunk", fmt.Sprintf("%s.part%d", compositeID, index), bytes.NewReader(data)).
		Post(uploadPath)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("upload_chunk: %w", err)
	}
	return decode("upload_chunk", resp, nil)
}

// FinalizeUpload commits the uploaded chunks into one recording.
func (c *Client) FinalizeUpload(ctx context.Context, compositeID string, totalChunks int) error {
	return c.call(ctx, "finalize_upload", map[string]any{
		"composite_id": compositeID,
		"total_chunks": totalChunks,
	}, nil)
}

// CheckRecordingsStatus returns the subset of ids the server already holds as complete.
func (c *Client) CheckRecordingsStatus(ctx context.Context, ids []string) ([]string, error) {
	var res struct {
		Completed []string `json:"completed"`
	}
	err := c.call(ctx, "check_recordings_status", map[string]any{"composite_ids": ids}, &res)
	return res.Completed, err
}
