package enocoo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enocoosync/enocoosync/pkg/types"
)

func berlin(t *testing.T) *time.Location {
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	return loc
}

// fakeDashboard serves the dashboard API and tracks the session cookie.
type fakeDashboard struct {
	t       *testing.T
	logins  atomic.Int32
	session atomic.Value
	routes  map[string]any
}

func newFakeDashboard(t *testing.T, routes map[string]any) (*fakeDashboard, *httptest.Server) {
	d := &fakeDashboard{t: t, routes: routes}
	d.session.Store("")
	ts := httptest.NewServer(d)
	t.Cleanup(ts.Close)
	return d, ts
}

func (d *fakeDashboard) expireSession() {
	d.session.Store("expired")
}

func (d *fakeDashboard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api/login" {
		require.NoError(d.t, r.ParseForm())
		if r.Form.Get("username") != "user" || r.Form.Get("password") != "pass" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		n := d.logins.Add(1)
		sid := "sid-" + strconv.Itoa(int(n))
		d.session.Store(sid)
		http.SetCookie(w, &http.Cookie{Name: "PHPSESSID", Value: sid, Path: "/"})
		return
	}

	cookie, err := r.Cookie("PHPSESSID")
	if err != nil || cookie.Value != d.session.Load().(string) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	res, ok := d.routes[r.URL.Path]
	if !ok {
		http.Error(w, "not found: "+r.URL.Path, http.StatusNotFound)
		return
	}
	if fn, ok := res.(func(*http.Request) any); ok {
		res = fn(r)
	}
	json.NewEncoder(w).Encode(res)
}

func TestClient(t *testing.T) {
	ctx := context.Background()

	t.Run("GetAreas", func(t *testing.T) {
		d, ts := newFakeDashboard(t, map[string]any{
			"/api/areas": []map[string]any{
				{"id": "123", "name": "Wohnung 1", "dataAvailableSince": "2024-01-01", "dataAvailableUntil": "2024-06-30"},
				{"id": "456", "name": "SP 7", "dataAvailableSince": "2023-05-01", "dataAvailableUntil": "2024-06-30"},
			},
		})
		c := NewClient(ts.URL, "user", "pass", berlin(t))

		areas, err := c.GetAreas(ctx)
		require.NoError(t, err)
		require.Len(t, areas, 2)
		assert.Equal(t, types.Area{
			ID:                 "123",
			Name:               "Wohnung 1",
			DataAvailableSince: civil.Date{Year: 2024, Month: time.January, Day: 1},
			DataAvailableUntil: civil.Date{Year: 2024, Month: time.June, Day: 30},
		}, areas[0])
		assert.True(t, areas[1].IsParkingSpace())
		assert.EqualValues(t, 1, d.logins.Load())
	})

	t.Run("GetIndividualConsumption", func(t *testing.T) {
		_, ts := newFakeDashboard(t, map[string]any{
			"/api/consumption": func(r *http.Request) any {
				assert.Equal(t, "electricity", r.URL.Query().Get("type"))
				assert.Equal(t, "123", r.URL.Query().Get("area"))
				assert.Equal(t, "day", r.URL.Query().Get("interval"))
				assert.Equal(t, "2024-01-02", r.URL.Query().Get("date"))
				return map[string]any{
					"unit": "kWh",
					"readings": []map[string]any{
						{"start": "2024-01-02T00:00:00+01:00", "periodSeconds": 900, "value": 0.25},
						{"start": "2024-01-02T00:15:00+01:00", "periodSeconds": 900, "value": 0.5},
					},
				}
			},
		})
		c := NewClient(ts.URL, "user", "pass", berlin(t))

		readings, err := c.GetIndividualConsumption(ctx, types.ConsumptionTypeElectricity, "123", types.IntervalDay, civil.Date{Year: 2024, Month: time.January, Day: 2})
		require.NoError(t, err)
		require.Len(t, readings, 2)
		assert.Equal(t, 15*time.Minute, readings[0].Period)
		assert.Equal(t, "kWh", readings[1].Unit)
		assert.Equal(t, 0.5, readings[1].Value)
		assert.Equal(t, "Europe/Berlin", readings[0].Start.Location().String())
		assert.Equal(t, 0, readings[0].Start.Hour())
	})

	t.Run("GetQuarterPhotovoltaicData", func(t *testing.T) {
		_, ts := newFakeDashboard(t, map[string]any{
			"/api/photovoltaic": []map[string]any{
				{
					"start":           "2024-01-02T10:00:00+01:00",
					"periodSeconds":   900,
					"generation":      map[string]any{"value": 4.0, "unit": "kWh"},
					"consumption":     map[string]any{"value": 10.0, "unit": "kWh"},
					"ownConsumption":  map[string]any{"value": 75.0, "unit": "%"},
					"selfSufficiency": nil,
				},
			},
		})
		c := NewClient(ts.URL, "user", "pass", berlin(t))

		pv, err := c.GetQuarterPhotovoltaicData(ctx, types.IntervalDay, civil.Date{Year: 2024, Month: time.January, Day: 2})
		require.NoError(t, err)
		require.Len(t, pv, 1)
		assert.Nil(t, pv[0].SelfSufficiency)
		require.NotNil(t, pv[0].OwnConsumption)
		assert.Equal(t, 75.0, pv[0].OwnConsumption.Value)
		assert.InDelta(t, 1.0, pv[0].CalculatedFeedIntoGrid().Value, 1e-9)
		assert.InDelta(t, 10.0, pv[0].CalculatedSupplyFromGrid().Value, 1e-9)
	})

	t.Run("GetTrafficLightStatus", func(t *testing.T) {
		_, ts := newFakeDashboard(t, map[string]any{
			"/api/trafficlight": map[string]any{
				"color":              "yellow",
				"currentEnergyPrice": map[string]any{"value": 0.31, "unit": "€/kWh"},
				"timestamp":          "2024-01-02T10:00:00Z",
			},
		})
		c := NewClient(ts.URL, "user", "pass", berlin(t))

		status, err := c.GetTrafficLightStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, types.TrafficLightYellow, status.Color)
		assert.Equal(t, 0.31, status.CurrentEnergyPrice.Value)
	})

	t.Run("UnknownTrafficLightColor", func(t *testing.T) {
		_, ts := newFakeDashboard(t, map[string]any{
			"/api/trafficlight": map[string]any{"color": "blue"},
		})
		c := NewClient(ts.URL, "user", "pass", berlin(t))

		_, err := c.GetTrafficLightStatus(ctx)
		assert.Error(t, err)
	})

	t.Run("GetMeterTable", func(t *testing.T) {
		_, ts := newFakeDashboard(t, map[string]any{
			"/api/meters": []map[string]any{
				{"name": "Strom", "area": "Wohnung 1", "meterId": "1EMH001", "reading": map[string]any{"value": 1234.5, "unit": "kWh"}, "timestamp": "2024-01-02T10:00:00Z"},
			},
		})
		c := NewClient(ts.URL, "user", "pass", berlin(t))

		meters, err := c.GetMeterTable(ctx)
		require.NoError(t, err)
		require.Len(t, meters, 1)
		assert.Equal(t, "1EMH001", meters[0].MeterID)
		assert.Equal(t, 1234.5, meters[0].Reading.Value)
	})

	t.Run("ReloginOnExpiredSession", func(t *testing.T) {
		d, ts := newFakeDashboard(t, map[string]any{
			"/api/meters": []map[string]any{},
		})
		c := NewClient(ts.URL, "user", "pass", berlin(t))

		_, err := c.GetMeterTable(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, d.logins.Load())

		d.expireSession()
		_, err = c.GetMeterTable(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 2, d.logins.Load(), "should log in exactly once more")

		_, err = c.GetMeterTable(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 2, d.logins.Load(), "session should be reused")
	})

	t.Run("BadCredentials", func(t *testing.T) {
		_, ts := newFakeDashboard(t, map[string]any{})
		c := NewClient(ts.URL, "user", "wrong", berlin(t))

		_, err := c.GetAreas(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrAuthenticationFailed))
	})

	t.Run("ServerError", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/api/login" {
				return
			}
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer ts.Close()
		c := NewClient(ts.URL, "user", "pass", berlin(t))

		_, err := c.GetMeterTable(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrConnection))
	})

	t.Run("Unreachable", func(t *testing.T) {
		ts := httptest.NewServer(http.NotFoundHandler())
		url := ts.URL
		ts.Close()
		c := NewClient(url, "user", "pass", berlin(t))

		_, err := c.GetAreas(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrConnection))
	})
}

func TestClientValidate(t *testing.T) {
	assert.NoError(t, NewClient("https://example.com", "u", "p", time.UTC).Validate())
	assert.Error(t, NewClient("", "u", "p", time.UTC).Validate())
	assert.Error(t, NewClient("https://example.com", "", "p", time.UTC).Validate())
	assert.Error(t, NewClient("https://example.com", "u", "", time.UTC).Validate())
}
