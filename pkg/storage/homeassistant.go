package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/levenlabs/go-lflag"

	"github.com/enocoosync/enocoosync/pkg/log"
	"github.com/enocoosync/enocoosync/pkg/types"
)

const homeAssistantTimeout = 30 * time.Second

// ErrHomeAssistantAuth is returned when Home Assistant rejects the access
// token.
var ErrHomeAssistantAuth = errors.New("home assistant authentication failed")

// the recorder has no statistics before this
var homeAssistantEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// HomeAssistantProvider implements Statistics on top of the Home Assistant
// recorder through its WebSocket API. Commands are sent one at a time over a
// single authenticated connection.
type HomeAssistantProvider struct {
	baseURL string
	token   string
	dialer  websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	nextID int
}

// NewHomeAssistant returns a provider for the Home Assistant instance at
// baseURL, e.g. http://homeassistant.local:8123.
func NewHomeAssistant(baseURL, token string) *HomeAssistantProvider {
	return &HomeAssistantProvider{
		baseURL: baseURL,
		token:   token,
		dialer:  websocket.Dialer{HandshakeTimeout: 15 * time.Second},
	}
}

func configuredHomeAssistant() *HomeAssistantProvider {
	baseURL := lflag.String("homeassistant-url", "http://homeassistant.local:8123", "Base URL of Home Assistant")
	token := lflag.String("homeassistant-token", "", "Long-lived access token for Home Assistant")

	h := NewHomeAssistant("", "")
	lflag.Do(func() {
		h.baseURL = *baseURL
		h.token = *token
	})
	return h
}

// Validate checks if the provider is properly configured.
func (h *HomeAssistantProvider) Validate() error {
	if _, err := h.websocketURL(); err != nil {
		return err
	}
	if h.token == "" {
		return errors.New("homeassistant-token is required")
	}
	return nil
}

func (h *HomeAssistantProvider) websocketURL() (string, error) {
	if h.baseURL == "" {
		return "", errors.New("homeassistant-url is required")
	}
	u, err := url.Parse(h.baseURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse homeassistant url (%s): %w", h.baseURL, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported homeassistant url scheme: %q", u.Scheme)
	}
	u.Path, err = url.JoinPath(u.Path, "api/websocket")
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// Close closes the WebSocket connection.
func (h *HomeAssistantProvider) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeLocked()
}

func (h *HomeAssistantProvider) closeLocked() error {
	if h.conn == nil {
		return nil
	}
	err := h.conn.Close()
	h.conn = nil
	return err
}

type haMessage struct {
	ID      int             `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func (h *HomeAssistantProvider) connectLocked(ctx context.Context) error {
	wsURL, err := h.websocketURL()
	if err != nil {
		return err
	}
	conn, _, err := h.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial home assistant websocket: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(homeAssistantTimeout))
	conn.SetWriteDeadline(time.Now().Add(homeAssistantTimeout))

	var msg haMessage
	if err := conn.ReadJSON(&msg); err != nil {
		conn.Close()
		return fmt.Errorf("failed to read auth_required: %w", err)
	}
	if msg.Type != "auth_required" {
		conn.Close()
		return fmt.Errorf("expected auth_required, got %s", msg.Type)
	}
	if err := conn.WriteJSON(map[string]interface{}{
		"type":         "auth",
		"access_token": h.token,
	}); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send auth: %w", err)
	}
	if err := conn.ReadJSON(&msg); err != nil {
		conn.Close()
		return fmt.Errorf("failed to read auth result: %w", err)
	}
	if msg.Type != "auth_ok" {
		conn.Close()
		return fmt.Errorf("%w: %s %s", ErrHomeAssistantAuth, msg.Type, msg.Message)
	}

	h.conn = conn
	h.nextID = 0
	log.Ctx(ctx).DebugContext(ctx, "connected to home assistant", slog.String("url", wsURL))
	return nil
}

// call sends a command and decodes its result into dest. A broken connection
// is re-established once.
func (h *HomeAssistantProvider) call(ctx context.Context, cmd map[string]interface{}, dest any) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var lastErr error
	for i := 0; i < 2; i++ {
		if h.conn == nil {
			if err := h.connectLocked(ctx); err != nil {
				return err
			}
		}
		res, err := h.roundTripLocked(ctx, cmd)
		if err != nil {
			// the connection is in an unknown state
			h.closeLocked()
			lastErr = err
			log.Ctx(ctx).DebugContext(ctx, "home assistant connection failed", slog.Any("error", err))
			continue
		}
		if !res.Success {
			if res.Error != nil {
				return fmt.Errorf("home assistant %s failed: %s: %s", cmd["type"], res.Error.Code, res.Error.Message)
			}
			return fmt.Errorf("home assistant %s failed", cmd["type"])
		}
		if dest == nil {
			return nil
		}
		if err := json.Unmarshal(res.Result, dest); err != nil {
			return fmt.Errorf("failed to decode home assistant %s result: %w", cmd["type"], err)
		}
		return nil
	}
	return lastErr
}

func (h *HomeAssistantProvider) roundTripLocked(ctx context.Context, cmd map[string]interface{}) (haMessage, error) {
	h.nextID++
	id := h.nextID
	cmd["id"] = id

	deadline := time.Now().Add(homeAssistantTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	h.conn.SetWriteDeadline(deadline)
	h.conn.SetReadDeadline(deadline)

	if err := h.conn.WriteJSON(cmd); err != nil {
		return haMessage{}, err
	}
	for {
		var msg haMessage
		if err := h.conn.ReadJSON(&msg); err != nil {
			return haMessage{}, err
		}
		// events of earlier subscriptions are not interesting
		if msg.ID != id || msg.Type != "result" {
			continue
		}
		return msg, nil
	}
}

type haStatisticRow struct {
	Start float64  `json:"start"`
	State *float64 `json:"state"`
	Sum   *float64 `json:"sum"`
	Min   *float64 `json:"min"`
	Max   *float64 `json:"max"`
	Mean  *float64 `json:"mean"`
}

func (r haStatisticRow) point() types.StatisticPoint {
	p := types.StatisticPoint{
		Start: time.UnixMilli(int64(r.Start)).UTC(),
		State: r.State,
		Min:   r.Min,
		Max:   r.Max,
		Mean:  r.Mean,
	}
	if r.Sum != nil {
		p.Sum = *r.Sum
	}
	return p
}

func (h *HomeAssistantProvider) statisticsDuringPeriod(ctx context.Context, statisticID string, start, end time.Time, period string, fields []types.StatisticField) ([]types.StatisticPoint, error) {
	if len(fields) == 0 {
		fields = []types.StatisticField{types.StatisticFieldState, types.StatisticFieldSum}
	}
	cmd := map[string]interface{}{
		"type":          "recorder/statistics_during_period",
		"start_time":    start.UTC().Format(time.RFC3339),
		"statistic_ids": []string{statisticID},
		"period":        period,
		"types":         fields,
	}
	if !end.IsZero() {
		cmd["end_time"] = end.UTC().Format(time.RFC3339)
	}

	var res map[string][]haStatisticRow
	if err := h.call(ctx, cmd, &res); err != nil {
		return nil, err
	}
	rows := res[statisticID]
	points := make([]types.StatisticPoint, 0, len(rows))
	for _, r := range rows {
		points = append(points, r.point())
	}
	return points, nil
}

// StatisticsDuringPeriod implements Statistics.
func (h *HomeAssistantProvider) StatisticsDuringPeriod(ctx context.Context, statisticID string, start, end time.Time, fields []types.StatisticField) ([]types.StatisticPoint, error) {
	return h.statisticsDuringPeriod(ctx, statisticID, start, end, "hour", fields)
}

// LastStatistics implements Statistics. The WebSocket API has no command for
// the latest rows so the last month with data is located first and then read
// hourly. At most the points of that month are returned.
func (h *HomeAssistantProvider) LastStatistics(ctx context.Context, statisticID string, n int) ([]types.StatisticPoint, error) {
	months, err := h.statisticsDuringPeriod(ctx, statisticID, homeAssistantEpoch, time.Time{}, "month", []types.StatisticField{types.StatisticFieldSum})
	if err != nil {
		return nil, err
	}
	if len(months) == 0 || n <= 0 {
		return nil, nil
	}
	hours, err := h.statisticsDuringPeriod(ctx, statisticID, months[len(months)-1].Start, time.Time{}, "hour", nil)
	if err != nil {
		return nil, err
	}
	hours = hours[max(len(hours)-n, 0):]
	slices.Reverse(hours)
	return hours, nil
}

type haMetadata struct {
	StatisticID       string  `json:"statistic_id"`
	Source            string  `json:"source"`
	Name              *string `json:"name"`
	UnitOfMeasurement *string `json:"statistics_unit_of_measurement"`
	UnitClass         *string `json:"unit_class"`
	HasSum            bool    `json:"has_sum"`
	HasMean           bool    `json:"has_mean"`
}

// GetMetadata implements Statistics.
func (h *HomeAssistantProvider) GetMetadata(ctx context.Context, statisticID string) (*types.StatisticMetadata, error) {
	var res []haMetadata
	if err := h.call(ctx, map[string]interface{}{
		"type":          "recorder/get_statistics_metadata",
		"statistic_ids": []string{statisticID},
	}, &res); err != nil {
		return nil, err
	}
	for _, m := range res {
		if m.StatisticID != statisticID {
			continue
		}
		meta := types.StatisticMetadata{
			StatisticID: m.StatisticID,
			Source:      m.Source,
			HasSum:      m.HasSum,
			HasMean:     m.HasMean,
		}
		if m.Name != nil {
			meta.Name = *m.Name
		}
		if m.UnitOfMeasurement != nil {
			meta.UnitOfMeasurement = *m.UnitOfMeasurement
		}
		if m.UnitClass != nil {
			meta.UnitClass = types.UnitClass(*m.UnitClass)
		}
		return &meta, nil
	}
	return nil, nil
}

type haImportRow struct {
	Start string   `json:"start"`
	State *float64 `json:"state,omitempty"`
	Sum   float64  `json:"sum"`
	Min   *float64 `json:"min,omitempty"`
	Max   *float64 `json:"max,omitempty"`
	Mean  *float64 `json:"mean,omitempty"`
}

// AddExternalStatistics implements Statistics. The recorder imports the rows
// asynchronously.
func (h *HomeAssistantProvider) AddExternalStatistics(ctx context.Context, meta types.StatisticMetadata, points []types.StatisticPoint) error {
	if err := validate(meta, points); err != nil {
		return err
	}
	rows := make([]haImportRow, 0, len(points))
	for _, p := range points {
		rows = append(rows, haImportRow{
			Start: p.Start.Format(time.RFC3339),
			State: p.State,
			Sum:   p.Sum,
			Min:   p.Min,
			Max:   p.Max,
			Mean:  p.Mean,
		})
	}
	metadata := map[string]interface{}{
		"statistic_id":        meta.StatisticID,
		"source":              meta.Source,
		"name":                meta.Name,
		"unit_of_measurement": meta.UnitOfMeasurement,
		"has_sum":             meta.HasSum,
		"has_mean":            meta.HasMean,
		// no mean
		"mean_type": 0,
	}
	if meta.UnitClass != "" {
		metadata["unit_class"] = string(meta.UnitClass)
	}
	if err := h.call(ctx, map[string]interface{}{
		"type":     "recorder/import_statistics",
		"metadata": metadata,
		"stats":    rows,
	}, nil); err != nil {
		return err
	}
	log.Ctx(ctx).DebugContext(ctx, "imported statistics into home assistant", slog.String("statisticID", meta.StatisticID), slog.Int("count", len(rows)))
	return nil
}
