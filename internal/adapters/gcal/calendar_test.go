package gcal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/robertarktes/expert-bookings/internal/domain"
	"github.com/robertarktes/expert-bookings/internal/observability"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestProvider(t *testing.T, h http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	l, _ := test.NewNullLogger()
	p, err := NewProvider(context.Background(), observability.Wrap(l),
		option.WithEndpoint(srv.URL+"/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	return p
}

func TestProvider_CreateEvent(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/calendars/primary/events", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("conferenceDataVersion"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Consultation", body["summary"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"evt1","hangoutLink":"https://meet.google.com/abc-defg-hij"}`))
	})

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	url, err := p.CreateEvent(context.Background(), domain.CalendarEvent{
		Title:      "Consultation",
		Start:      start,
		End:        start.Add(50 * time.Minute),
		Timezone:   "Europe/Berlin",
		GuestEmail: "alice@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://meet.google.com/abc-defg-hij", url)
}

func TestProvider_BusyTimes(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/freeBusy", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"calendars":{"cal-1":{"busy":[{"start":"2026-03-02T10:00:00Z","end":"2026-03-02T11:00:00Z"}]}}}`))
	})

	from := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	busy, err := p.BusyTimes(context.Background(), "cal-1", from, from.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, busy, 1)
	assert.Equal(t, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), busy[0].Start)
	assert.Equal(t, time.Hour, busy[0].End.Sub(busy[0].Start))
}

func TestProvider_InsertError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":403,"message":"forbidden"}}`, http.StatusForbidden)
	})

	_, err := p.CreateEvent(context.Background(), domain.CalendarEvent{Start: time.Now(), End: time.Now().Add(time.Hour)})
	assert.Error(t, err)
}
