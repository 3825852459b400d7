package storage

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enocoosync/enocoosync/pkg/types"
)

// fakeRecorder emulates the statistics commands of the Home Assistant
// WebSocket API on top of a Memory store.
type fakeRecorder struct {
	t        *testing.T
	token    string
	store    *Memory
	upgrader websocket.Upgrader
}

func newFakeRecorder(t *testing.T) (*fakeRecorder, *httptest.Server) {
	r := &fakeRecorder{t: t, token: "secret", store: NewMemory()}
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return r, ts
}

func (f *fakeRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/websocket" {
		http.NotFound(w, r)
		return
	}
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if !assert.NoError(f.t, err) {
		return
	}
	defer conn.Close()

	assert.NoError(f.t, conn.WriteJSON(map[string]any{"type": "auth_required", "ha_version": "2025.1.0"}))
	var auth map[string]any
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth["type"] != "auth" || auth["access_token"] != f.token {
		conn.WriteJSON(map[string]any{"type": "auth_invalid", "message": "Invalid access token"})
		return
	}
	assert.NoError(f.t, conn.WriteJSON(map[string]any{"type": "auth_ok"}))

	ctx := context.Background()
	for {
		var cmd struct {
			ID           int            `json:"id"`
			Type         string         `json:"type"`
			StatisticIDs []string       `json:"statistic_ids"`
			StartTime    string         `json:"start_time"`
			EndTime      string         `json:"end_time"`
			Period       string         `json:"period"`
			Metadata     map[string]any `json:"metadata"`
			Stats        []haImportRow  `json:"stats"`
		}
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		// an unrelated event must be skipped by the client
		conn.WriteJSON(map[string]any{"id": 999, "type": "event"})

		var result any
		switch cmd.Type {
		case "recorder/get_statistics_metadata":
			list := []map[string]any{}
			for _, id := range cmd.StatisticIDs {
				meta, _ := f.store.GetMetadata(ctx, id)
				if meta == nil {
					continue
				}
				list = append(list, map[string]any{
					"statistic_id":                   meta.StatisticID,
					"source":                         meta.Source,
					"name":                           meta.Name,
					"statistics_unit_of_measurement": meta.UnitOfMeasurement,
					"unit_class":                     meta.UnitClass,
					"has_sum":                        meta.HasSum,
					"has_mean":                       meta.HasMean,
				})
			}
			result = list
		case "recorder/statistics_during_period":
			start, err := time.Parse(time.RFC3339, cmd.StartTime)
			assert.NoError(f.t, err)
			var end time.Time
			if cmd.EndTime != "" {
				end, err = time.Parse(time.RFC3339, cmd.EndTime)
				assert.NoError(f.t, err)
			}
			res := map[string][]map[string]any{}
			for _, id := range cmd.StatisticIDs {
				points, _ := f.store.StatisticsDuringPeriod(ctx, id, start, end, nil)
				var rows []map[string]any
				for _, p := range points {
					row := map[string]any{
						"start": float64(p.Start.UnixMilli()),
						"end":   float64(p.End().UnixMilli()),
						"sum":   p.Sum,
						"state": p.State,
					}
					if cmd.Period == "month" {
						monthStart := time.Date(p.Start.Year(), p.Start.Month(), 1, 0, 0, 0, 0, time.UTC)
						row["start"] = float64(monthStart.UnixMilli())
						if len(rows) > 0 && rows[len(rows)-1]["start"] == row["start"] {
							rows[len(rows)-1] = row
							continue
						}
					}
					rows = append(rows, row)
				}
				if len(rows) > 0 {
					res[id] = rows
				}
			}
			result = res
		case "recorder/import_statistics":
			meta := types.StatisticMetadata{
				StatisticID:       cmd.Metadata["statistic_id"].(string),
				Source:            cmd.Metadata["source"].(string),
				Name:              cmd.Metadata["name"].(string),
				UnitOfMeasurement: cmd.Metadata["unit_of_measurement"].(string),
				HasSum:            cmd.Metadata["has_sum"].(bool),
				HasMean:           cmd.Metadata["has_mean"].(bool),
			}
			if uc, ok := cmd.Metadata["unit_class"].(string); ok {
				meta.UnitClass = types.UnitClass(uc)
			}
			var points []types.StatisticPoint
			for _, row := range cmd.Stats {
				start, err := time.Parse(time.RFC3339, row.Start)
				assert.NoError(f.t, err)
				points = append(points, types.StatisticPoint{Start: start, State: row.State, Sum: row.Sum})
			}
			if err := f.store.AddExternalStatistics(ctx, meta, points); err != nil {
				conn.WriteJSON(map[string]any{
					"id": cmd.ID, "type": "result", "success": false,
					"error": map[string]any{"code": "invalid_format", "message": err.Error()},
				})
				continue
			}
		default:
			conn.WriteJSON(map[string]any{
				"id": cmd.ID, "type": "result", "success": false,
				"error": map[string]any{"code": "unknown_command", "message": "Unknown command."},
			})
			continue
		}
		raw, err := json.Marshal(result)
		assert.NoError(f.t, err)
		if err := conn.WriteJSON(map[string]any{
			"id": cmd.ID, "type": "result", "success": true, "result": json.RawMessage(raw),
		}); err != nil {
			return
		}
	}
}

func TestHomeAssistantProvider(t *testing.T) {
	_, ts := newFakeRecorder(t)

	h := NewHomeAssistant(ts.URL, "secret")
	require.NoError(t, h.Validate())
	defer h.Close()

	testStatistics(t, h)

	t.Run("Reconnect", func(t *testing.T) {
		ctx := context.Background()
		require.NoError(t, h.AddExternalStatistics(ctx, testMeta("ha_enocoo:reconnect"), hourlyPoints(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), 2)))

		// drop the connection underneath the provider
		h.mu.Lock()
		h.conn.Close()
		h.mu.Unlock()

		last, err := h.LastStatistics(ctx, "ha_enocoo:reconnect", 1)
		require.NoError(t, err)
		require.Len(t, last, 1)
		assert.Equal(t, 2.0, last[0].Sum)
	})
}

func TestHomeAssistantProviderAuth(t *testing.T) {
	_, ts := newFakeRecorder(t)

	h := NewHomeAssistant(ts.URL, "wrong")
	defer h.Close()

	_, err := h.GetMetadata(context.Background(), "ha_enocoo:x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHomeAssistantAuth))
}

func TestHomeAssistantValidate(t *testing.T) {
	assert.NoError(t, NewHomeAssistant("https://ha.example.com", "t").Validate())
	assert.Error(t, NewHomeAssistant("", "t").Validate())
	assert.Error(t, NewHomeAssistant("ftp://ha.example.com", "t").Validate())
	assert.Error(t, NewHomeAssistant("https://ha.example.com", "").Validate())

	u, err := NewHomeAssistant("https://ha.example.com/base", "t").websocketURL()
	require.NoError(t, err)
	assert.Equal(t, "wss://ha.example.com/base/api/websocket", u)
}
