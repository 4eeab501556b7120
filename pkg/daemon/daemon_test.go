package daemon

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cynexo/sniff0/pkg/channel"
	"github.com/cynexo/sniff0/pkg/client"
	"github.com/cynexo/sniff0/pkg/config"
	"github.com/cynexo/sniff0/pkg/events"
	"github.com/cynexo/sniff0/pkg/port"
	"github.com/cynexo/sniff0/pkg/ports"
	"github.com/cynexo/sniff0/pkg/simulator"
	"github.com/cynexo/sniff0/pkg/utils/ptr"
	"github.com/cynexo/sniff0/pkg/version"
)

func newTestDaemon(t *testing.T) (*Daemon, *gin.Engine, *config.File) {
	t.Helper()

	conf := config.NewFileFromConfig(&config.RawFileConfig{
		CommandDelayMs:     ptr.To(0),
		PollIntervalMs:     ptr.To(10),
		StepTimeoutSeconds: ptr.To(5),
	}, filepath.Join(t.TempDir(), "sniff0.json"))

	d := New(conf, port.WithSimulator(func() io.ReadWriteCloser {
		return simulator.New(simulator.WithDelays(simulator.Delays{}))
	}))
	t.Cleanup(func() { _ = d.Close() })

	return d, d.Router(), conf
}

func do(t *testing.T, r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestStatus(t *testing.T) {
	_, r, _ := newTestDaemon(t)

	w := do(t, r, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	s := decode[client.Status](t, w)
	assert.True(t, s.Connected)
	assert.True(t, s.Simulated)
	assert.Empty(t, s.Port)
	assert.Len(t, s.Channels, 13)
	assert.False(t, s.Busy)

	w = do(t, r, http.MethodGet, "/version", "")
	assert.Equal(t, version.Version, decode[string](t, w))
}

func TestPutChannel(t *testing.T) {
	_, r, _ := newTestDaemon(t)

	w := do(t, r, http.MethodPut, "/channels/3", `{"flow":12,"active":true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	ch := decode[channel.Snapshot](t, w)
	assert.True(t, ch.Active)
	assert.Equal(t, 12.0, ch.RequestedFlow)

	tests := []struct {
		path string
		body string
		want int
	}{
		{"/channels/99", `{"flow":1}`, http.StatusNotFound},
		{"/channels/x", `{"flow":1}`, http.StatusBadRequest},
		{"/channels/3", `{}`, http.StatusBadRequest},
		{"/channels/3", `{"flow":-1}`, http.StatusBadRequest},
		{"/channels/4", `{"active":true}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		w := do(t, r, http.MethodPut, tt.path, tt.body)
		assert.Equal(t, tt.want, w.Code, "%s %s", tt.path, tt.body)
	}
}

func TestCalibrateAndPolling(t *testing.T) {
	d, r, _ := newTestDaemon(t)
	require.Equal(t, http.StatusOK, do(t, r, http.MethodPut, "/channels/3", `{"flow":2,"active":true}`).Code)
	assert.NoError(t, d.calibrationPreCheck())

	w := do(t, r, http.MethodPost, "/calibrate?wait=true", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "calibrate finished", decode[string](t, w))
	assert.Equal(t, channel.StateCalibrated, d.ctrl.Channels()[2].State)

	w = do(t, r, http.MethodPost, "/measurements", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[bool](t, w))

	assert.Equal(t, http.StatusConflict, do(t, r, http.MethodPost, "/calibrate", "").Code)
	assert.Error(t, d.calibrationPreCheck())

	w = do(t, r, http.MethodPost, "/measurements", "")
	assert.False(t, decode[bool](t, w))
}

func TestToggleAndAdjust(t *testing.T) {
	d, r, _ := newTestDaemon(t)

	w := do(t, r, http.MethodPost, "/toggle?channel=5&wait=true", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, d.ctrl.Channels()[4].ValveOpen)
	assert.ErrorIs(t, d.calibrationPreCheck(), errCannotAutoCalibrate)

	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodPost, "/toggle?channel=14", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/toggle?channel=x", "").Code)

	w = do(t, r, http.MethodPost, "/adjust?wait=true", `{"channel":5,"direction":"up"}`)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/adjust", `{"channel":5,"direction":"sideways"}`).Code)

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/open-for", `-5`).Code)
}

func TestCommand(t *testing.T) {
	_, r, _ := newTestDaemon(t)

	w := do(t, r, http.MethodPost, "/command", `{"name":"channel","args":["3"]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "setChannel 3", decode[string](t, w))

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/command", `{"name":"nope"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/command", `{"name":"channel","args":["14"]}`).Code)

	assert.Equal(t, http.StatusCreated, do(t, r, http.MethodPut, "/verbose", `true`).Code)
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/stop-calibration", "").Code)
}

func TestSchedule(t *testing.T) {
	_, r, conf := newTestDaemon(t)

	w := do(t, r, http.MethodPut, "/schedule", `"0 6 * * *"`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	s := decode[client.ScheduleStatus](t, w)
	assert.True(t, s.Scheduled)
	assert.Equal(t, 6, s.NextRun.Hour())
	assert.Equal(t, "0 6 * * *", conf.CalibrationCron())

	assert.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/schedule/skip", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPost, "/schedule/postpone", `"soon"`).Code)
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodPost, "/schedule/postpone", `"10m"`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPut, "/schedule", `"every tuesday"`).Code)

	require.Equal(t, http.StatusOK, do(t, r, http.MethodDelete, "/schedule", "").Code)
	s = decode[client.ScheduleStatus](t, do(t, r, http.MethodGet, "/schedule", ""))
	assert.False(t, s.Scheduled)
	assert.Empty(t, conf.CalibrationCron())
	assert.Equal(t, http.StatusConflict, do(t, r, http.MethodPost, "/schedule/skip", "").Code)
}

func TestPorts(t *testing.T) {
	d, r, conf := newTestDaemon(t)
	d.listPorts = func() ([]ports.Port, error) {
		return []ports.Port{{ID: "/dev/ttyUSB0", DisplayName: "Sniff-0 (/dev/ttyUSB0)", Supported: true}}, nil
	}

	list := decode[[]ports.Port](t, do(t, r, http.MethodGet, "/ports", ""))
	require.Len(t, list, 1)
	assert.Equal(t, "/dev/ttyUSB0", list[0].ID)

	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodPut, "/port", `"LPT1"`).Code)
	assert.Equal(t, http.StatusCreated, do(t, r, http.MethodPut, "/port", `""`).Code)
	assert.Empty(t, conf.Port())
}

func TestEvents(t *testing.T) {
	d, r, _ := newTestDaemon(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	resps := make(chan *http.Response, 1)
	go func() {
		resp, err := http.Get(srv.URL + "/events")
		if err == nil {
			resps <- resp
		}
	}()

	require.Eventually(t, func() bool { return d.hub.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)
	d.hub.Publish(events.FlowMeasured, events.FlowMeasuredEvent{Channel: 3, Flow: 1.5})

	var resp *http.Response
	select {
	case resp = <-resps:
	case <-time.After(2 * time.Second):
		t.Fatal("no response from the event stream")
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
		if strings.HasPrefix(sc.Text(), "data:") {
			break
		}
	}
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], events.FlowMeasured)
	assert.Contains(t, lines[1], `"flow":1.5`)
}
