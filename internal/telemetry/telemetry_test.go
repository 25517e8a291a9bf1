package telemetry

import "testing"

func TestRecordRestPoll(t *testing.T) {
	tel := New()
	tel.RecordRestPoll(10)
	tel.RecordRestPoll(20)
	tel.RecordRestPoll(30)

	m := tel.Metrics()
	if m.RestRequestCount != 3 {
		t.Errorf("RestRequestCount = %d, want 3", m.RestRequestCount)
	}
	if m.RestPolling.Min != 10 || m.RestPolling.Max != 30 || m.RestPolling.Avg != 20 {
		t.Errorf("RestPolling = %+v, want min=10 max=30 avg=20", m.RestPolling)
	}
	if m.LastRestAgeMs == nil {
		t.Error("expected LastRestAgeMs to be set")
	}
}

func TestWsConnectedTransition(t *testing.T) {
	tel := New()
	tel.SetWsConnected(true)
	m := tel.Metrics()
	if !m.WsConnected {
		t.Error("expected WsConnected true")
	}
	if m.WsUptimeSeconds == nil {
		t.Error("expected WsUptimeSeconds to be set once connected")
	}

	tel.SetWsConnected(false)
	m = tel.Metrics()
	if m.WsConnected {
		t.Error("expected WsConnected false")
	}
	if m.WsUptimeSeconds != nil {
		t.Error("expected WsUptimeSeconds nil once disconnected")
	}
}

func TestRecordWsMessageZeroIntervalSkipsSample(t *testing.T) {
	tel := New()
	tel.RecordWsMessage(0)
	tel.RecordWsMessage(0)

	m := tel.Metrics()
	if m.WsMessageCount != 2 {
		t.Errorf("WsMessageCount = %d, want 2", m.WsMessageCount)
	}
	if m.WsMessages.Count != 0 {
		t.Errorf("WsMessages.Count = %d, want 0 (zero intervals excluded)", m.WsMessages.Count)
	}
}

func TestAccountStatsGauges(t *testing.T) {
	tel := New()
	tel.SetAccountStats(3, 5, 2)
	m := tel.Metrics()
	if m.ActiveAccounts != 3 || m.TotalAccounts != 5 || m.ConnectedClients != 2 {
		t.Errorf("gauges = %+v, want active=3 total=5 clients=2", m)
	}
}
