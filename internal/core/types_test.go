package core

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCameraDescriptor_UnmarshalBackendPayload(t *testing.T) {
	payload := `[
		{"id": 7, "rtsp_url": "rtsp://10.0.0.7/stream"},
		{"id": "lobby", "stream_uri": "rtsp://10.0.0.8/live", "name": "Lobby", "is_active": false},
		{"id": 9, "rtsp_url": "rtsp://10.0.0.9/s", "active_hours_start": 22, "active_hours_end": 6}
	]`

	var cams []CameraDescriptor
	require.NoError(t, json.Unmarshal([]byte(payload), &cams))
	require.Len(t, cams, 3)

	assert.Equal(t, "7", cams[0].ID)
	assert.Equal(t, "rtsp://10.0.0.7/stream", cams[0].StreamURI)
	assert.True(t, cams[0].IsActive)
	assert.Nil(t, cams[0].ActiveWindow)
	assert.Equal(t, "7", cams[0].DisplayName())

	assert.Equal(t, "lobby", cams[1].ID)
	assert.Equal(t, "rtsp://10.0.0.8/live", cams[1].StreamURI)
	assert.False(t, cams[1].IsActive)
	assert.Equal(t, "Lobby", cams[1].DisplayName())

	require.NotNil(t, cams[2].ActiveWindow)
	assert.Equal(t, ActiveWindow{StartHour: 22, EndHour: 6}, *cams[2].ActiveWindow)
}

func TestCameraDescriptor_RejectsMissingID(t *testing.T) {
	var c CameraDescriptor
	assert.Error(t, json.Unmarshal([]byte(`{"rtsp_url": "rtsp://x"}`), &c))
	assert.Error(t, json.Unmarshal([]byte(`{"id": "", "rtsp_url": "rtsp://x"}`), &c))
}

func TestCameraDescriptor_RejectsBadWindow(t *testing.T) {
	var c CameraDescriptor
	err := json.Unmarshal([]byte(`{"id": 1, "rtsp_url": "rtsp://x", "active_hours_start": 25, "active_hours_end": 6}`), &c)
	assert.Error(t, err)
}

func TestActiveWindow_Contains(t *testing.T) {
	at := func(h int) time.Time { return time.Date(2025, 1, 15, h, 30, 0, 0, time.UTC) }

	overnight := ActiveWindow{StartHour: 22, EndHour: 6}
	assert.True(t, overnight.Contains(at(23)))
	assert.True(t, overnight.Contains(at(3)))
	assert.False(t, overnight.Contains(at(6)))
	assert.False(t, overnight.Contains(at(14)))
	assert.True(t, overnight.Contains(at(22)))

	daytime := ActiveWindow{StartHour: 9, EndHour: 17}
	assert.True(t, daytime.Contains(at(9)))
	assert.True(t, daytime.Contains(at(16)))
	assert.False(t, daytime.Contains(at(17)))
	assert.False(t, daytime.Contains(at(2)))

	allDay := ActiveWindow{StartHour: 0, EndHour: 0}
	assert.True(t, allDay.Contains(at(12)))
}

func TestParseAlertType(t *testing.T) {
	a, err := ParseAlertType(" Person ")
	require.NoError(t, err)
	assert.Equal(t, AlertPerson, a)

	_, err = ParseAlertType("other")
	assert.Error(t, err)
}

func TestNumericID(t *testing.T) {
	n, ok := NumericID("42")
	assert.True(t, ok)
	assert.Equal(t, int64(42), n)

	_, ok = NumericID("lobby")
	assert.False(t, ok)
}

func TestThreatRuleAlerts(t *testing.T) {
	sev, err := ParseSeverity(" medium ")
	require.NoError(t, err)
	assert.Equal(t, SeverityMedium, sev)
	_, err = ParseSeverity("CRITICAL")
	assert.Error(t, err)

	assert.True(t, ThreatRule{Severity: SeverityHigh}.Alerts())
	assert.True(t, ThreatRule{Severity: SeverityMedium, ShouldAlert: true}.Alerts())
	assert.False(t, ThreatRule{Severity: SeverityMedium}.Alerts())
	assert.False(t, ThreatRule{Severity: SeverityLow, ShouldAlert: true}.Alerts())
	assert.False(t, ThreatRule{Severity: SeverityIgnore, ShouldAlert: true}.Alerts())
}
