package relay

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/synnergy-labs/icp-relay/core"
)

func TestRelayMetricsCounters(t *testing.T) {
	m := NewRelayMetrics()
	m.PacketSent()
	m.PacketReceived()
	m.PacketReceived()
	m.ReceiptIssued()
	m.RateLimited()
	m.SetSessionCount(2)
	m.SetLIB(42)

	if got := testutil.ToFloat64(m.packetsSent); got != 1 {
		t.Fatalf("packetsSent = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.packetsReceived); got != 2 {
		t.Fatalf("packetsReceived = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.receiptsIssued); got != 1 {
		t.Fatalf("receiptsIssued = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.meterSaturated); got != 1 {
		t.Fatalf("meterSaturated = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.sessionGauge); got != 2 {
		t.Fatalf("sessionGauge = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.libGauge); got != 42 {
		t.Fatalf("libGauge = %v, want 42", got)
	}
}

func TestCoordinatorUpdatesSessionGauge(t *testing.T) {
	owner := core.Address{0xAA}
	channel := core.NewChannelContract(owner, core.NewInMemoryStore(), nil)
	co := NewCoordinator(channel, [32]byte{1}, 7, owner)
	m := NewRelayMetrics()
	co.SetMetrics(m)

	tA := newFakeTransport()
	sess := NewSession(tA, co.Hello(), co, func() uint64 { return 0 })
	sess.Start()
	hello, _ := Encode(Message{Tag: TagHello, Hello: &Hello{ID: [32]byte{9}, ChainID: 7}})
	tA.push(hello)
	pollUntil(t, time.Second, func() bool { return sess.State() == StateOperational })

	if got := testutil.ToFloat64(m.sessionGauge); got != 1 {
		t.Fatalf("sessionGauge after register = %v, want 1", got)
	}

	sess.Close()
	pollUntil(t, time.Second, func() bool { return testutil.ToFloat64(m.sessionGauge) == 0 })
}
