package lib

import (
	"testing"
	"time"
)

func TestWindowScaleNegotiation(t *testing.T) {
	testCases := []struct {
		name       string
		localScale int
		peerOffers bool
		peerShift  uint8
		wantTx     uint8
		wantRx     uint8
	}{
		{name: "both sides scale", localScale: 4, peerOffers: true, peerShift: 7, wantTx: 4, wantRx: 7},
		{name: "peer does not offer", localScale: 4, peerOffers: false, wantTx: 0, wantRx: 0},
		{name: "scaling disabled locally", localScale: 0, peerOffers: true, peerShift: 7, wantTx: 0, wantRx: 0},
	}

	for _, tc := range testCases {
		conf := testConnConfig()
		conf.windowScale = uint8(tc.localScale)
		c := newConnection(0, 8901, conf)

		syn := peerSegment(c, SYNFlag)
		syn.Options.WindowScalePresent = tc.peerOffers
		syn.Options.WindowScaleShiftCount = tc.peerShift
		c.negotiateWindowScale(syn)

		if c.windowScaleTx != tc.wantTx || c.windowScaleRx != tc.wantRx {
			t.Errorf("%s: scale tx/rx = %d/%d, want %d/%d",
				tc.name, c.windowScaleTx, c.windowScaleRx, tc.wantTx, tc.wantRx)
		}
	}
}

func TestPeerWindowScaling(t *testing.T) {
	c := newConnection(0, 8901, testConnConfig())
	c.windowScaleRx = 4

	seg := peerSegment(c, ACKFlag)
	seg.WindowSize = 0x1000
	c.updatePeerWindow(seg)
	if c.peerWindow != 0x1000<<4 {
		t.Errorf("scaled window = %d, want %d", c.peerWindow, 0x1000<<4)
	}

	// The raw field applies unscaled on SYN segments.
	syn := peerSegment(c, SYNFlag)
	syn.WindowSize = 0x1000
	c.updatePeerWindow(syn)
	if c.peerWindow != 0x1000 {
		t.Errorf("SYN window = %d, scaling must not apply", c.peerWindow)
	}
}

func TestAdvertisedWindowScalesAndClamps(t *testing.T) {
	conf := testConnConfig()
	conf.windowSafetyMargin = 64
	c := newConnection(0, 8901, conf)
	c.windowScaleTx = 4

	sb := newFakeSendBuffer()
	sb.freeSpace = 65536
	if got := c.advertisedWindow(sb); got != uint16((65536-64)>>4) {
		t.Errorf("advertised = %d, want %d", got, (65536-64)>>4)
	}

	// Less free space than the margin advertises zero, not a huge
	// wrapped value.
	sb.freeSpace = 32
	if got := c.advertisedWindow(sb); got != 0 {
		t.Errorf("advertised = %d with margin underrun, want 0", got)
	}

	// Unscaled, a large buffer clamps at the 16-bit maximum.
	c.windowScaleTx = 0
	sb.freeSpace = 1 << 20
	if got := c.advertisedWindow(sb); got != 0xFFFF {
		t.Errorf("advertised = %d, want clamp at 0xFFFF", got)
	}
}

func TestSlowStartDoublesUntilPeerWindow(t *testing.T) {
	c := newConnection(0, 8901, testConnConfig())
	c.peerWindow = 10000
	c.initSlowStart()

	if c.congestionWindow != 1440 {
		t.Fatalf("initial congestion window = %d, want one MSS", c.congestionWindow)
	}

	want := []uint32{2880, 5760, 10000} // doubles, then caps at the peer window
	for i, w := range want {
		c.growCongestionWindow()
		if c.congestionWindow != w {
			t.Errorf("after ack %d: congestion window = %d, want %d", i+1, c.congestionWindow, w)
		}
	}
	if c.slowStartActive {
		t.Error("slow start should end when the window reaches the peer window")
	}
	if !c.slowStartSpent {
		t.Error("slowStartSpent should record that slow start already ran")
	}
}

func TestSlowStartNeverReentered(t *testing.T) {
	c := newConnection(0, 8901, testConnConfig())
	c.peerWindow = 4000
	c.initSlowStart()
	for i := 0; i < 5; i++ {
		c.growCongestionWindow()
	}
	if c.slowStartActive {
		t.Fatal("setup: slow start should be over")
	}

	// Further acks, loss episodes, anything: the window stays put.
	before := c.congestionWindow
	for i := 0; i < 10; i++ {
		c.growCongestionWindow()
	}
	if c.congestionWindow != before || c.slowStartActive {
		t.Error("slow start must be one-shot per connection")
	}
}

func TestEffectiveSendWindow(t *testing.T) {
	c := newConnection(0, 8901, testConnConfig())
	c.peerWindow = 10000
	c.slowStartActive = false
	c.lastAckedSeq = 5000
	c.txSeq = 7000 // 2000 bytes in flight

	if got := c.effectiveSendWindow(); got != 8000 {
		t.Errorf("effective window = %d, want 8000", got)
	}

	// Slow start caps the ceiling below the peer window.
	c.slowStartActive = true
	c.congestionWindow = 3000
	if got := c.effectiveSendWindow(); got != 1000 {
		t.Errorf("effective window under slow start = %d, want 1000", got)
	}

	// In-flight at the ceiling means nothing may go out.
	c.congestionWindow = 2000
	if got := c.effectiveSendWindow(); got != 0 {
		t.Errorf("effective window = %d with ceiling filled, want 0", got)
	}
}

func TestEffectiveSendWindowSafetyMargin(t *testing.T) {
	conf := testConnConfig()
	conf.windowSafetyMargin = 500
	c := newConnection(0, 8901, conf)
	c.peerWindow = 2000
	c.lastAckedSeq = 100
	c.txSeq = 100

	if got := c.effectiveSendWindow(); got != 1500 {
		t.Errorf("effective window = %d, want 1500 after the safety margin", got)
	}

	c.peerWindow = 400 // smaller than the margin
	if got := c.effectiveSendWindow(); got != 0 {
		t.Errorf("effective window = %d, want 0 when the margin eats it", got)
	}
}

func TestZeroWindowProbeBackoff(t *testing.T) {
	conf := testConnConfig()
	conf.zeroWindowBase = 20 * time.Millisecond // two ticks
	c := newConnection(0, 8901, conf)
	sb := establish(t, c)
	c.pendingControl = ClassNone
	c.retransmitTicks = 0
	c.keepaliveTicks = 1 << 30 // keep keepalive out of the way

	c.peerWindow = 0
	sb.ready = 5000

	baseTicks := c.durationToTicks(conf.zeroWindowBase)
	var gaps []int
	ticksSinceProbe := 0
	for i := 0; i < 2000 && len(gaps) < 5; i++ {
		c.tick(sb)
		ticksSinceProbe++
		if c.pendingControl == ClassProbe {
			c.pendingControl = ClassNone
			gaps = append(gaps, ticksSinceProbe)
			ticksSinceProbe = 0
		}
	}

	// First probe fires after one base interval armed on the tick the
	// window closed; each following gap doubles up to 16x.
	want := []int{baseTicks + 1, baseTicks * 2, baseTicks * 4, baseTicks * 8, baseTicks * 16}
	for i := range want {
		if i >= len(gaps) {
			t.Fatalf("only %d probes observed, want %d", len(gaps), len(want))
		}
		if gaps[i] != want[i] {
			t.Errorf("probe %d fired after %d ticks, want %d", i+1, gaps[i], want[i])
		}
	}
}

func TestZeroWindowProbeStopsWhenWindowOpens(t *testing.T) {
	conf := testConnConfig()
	conf.zeroWindowBase = 20 * time.Millisecond
	c := newConnection(0, 8901, conf)
	sb := establish(t, c)
	c.pendingControl = ClassNone
	c.retransmitTicks = 0
	c.keepaliveTicks = 1 << 30

	c.peerWindow = 0
	sb.ready = 5000
	for i := 0; i < 10; i++ {
		c.tick(sb)
	}
	if c.zeroWindowStage == 0 && c.zeroWindowTicks == 0 {
		t.Fatal("setup: probing should be underway")
	}

	c.peerWindow = 4096
	c.tick(sb)
	if c.zeroWindowStage != 0 || c.zeroWindowTicks != 0 {
		t.Error("an opened window should stop probing and reset the backoff stage")
	}
}
