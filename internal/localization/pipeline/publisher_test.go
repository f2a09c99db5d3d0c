package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/dynamic-localization/internal/localization"
)

func localHostRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func TestPublisher_FanOut(t *testing.T) {
	p := NewPublisher()
	id1, ch1 := p.Subscribe()
	_, ch2 := p.Subscribe()
	assert.Equal(t, 2, p.Subscribers())

	p.Publish(localization.Diagnostics{CycleID: "a"})
	assert.Equal(t, "a", (<-ch1).CycleID)
	assert.Equal(t, "a", (<-ch2).CycleID)

	p.Unsubscribe(id1)
	_, open := <-ch1
	assert.False(t, open)
	assert.Equal(t, 1, p.Subscribers())
}

func TestPublisher_SlowSubscriberDoesNotBlock(t *testing.T) {
	p := NewPublisher()
	_, ch := p.Subscribe()
	for i := 0; i < subscriberBuffer*2; i++ {
		p.Publish(localization.Diagnostics{})
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestPublisher_Close(t *testing.T) {
	p := NewPublisher()
	_, ch := p.Subscribe()
	require.NoError(t, p.Close())
	_, open := <-ch
	assert.False(t, open)

	_, late := p.Subscribe()
	_, open = <-late
	assert.False(t, open)
	assert.Equal(t, 0, p.Subscribers())
}

func TestPublisher_TailRejectsPost(t *testing.T) {
	mux := http.NewServeMux()
	NewPublisher().AttachAdminRoutes(mux)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, localHostRequest(http.MethodPost, "/debug/localization/tail", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestPublisher_TailStreamsRecords(t *testing.T) {
	p := NewPublisher()
	mux := http.NewServeMux()
	p.AttachAdminRoutes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/debug/localization/tail", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": ping\n", line)

	p.Publish(localization.Diagnostics{CycleID: "c1", Status: localization.StatusSuccessfulPoseEstimation})
	for {
		line, err = r.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			break
		}
	}
	var d localization.Diagnostics
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &d))
	assert.Equal(t, "c1", d.CycleID)
	assert.Equal(t, localization.StatusSuccessfulPoseEstimation, d.Status)
}
