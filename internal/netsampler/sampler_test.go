package netsampler

import (
	"bufio"
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/serverledge-faas/offloadge/internal/protocol"
	u "github.com/serverledge-faas/offloadge/utils"
)

// startProbeServer serves probe opcodes the way a clone session does.
func startProbeServer(t *testing.T, window time.Duration) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	u.AssertNil(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	handler := NewProbeHandler(window)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				r := bufio.NewReader(conn)
				for {
					op, err := protocol.ReadOpcode(r)
					if err != nil {
						return
					}
					done, err := handler.Handle(op, r, conn)
					if done || err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func testConfig(addr string) Config {
	cfg := DefaultConfig(addr)
	cfg.ProbeWindow = 300 * time.Millisecond
	cfg.DialTimeout = time.Second
	return cfg
}

func TestInitialSample(t *testing.T) {
	s := New(DefaultConfig("127.0.0.1:1"))
	cur := s.Current()
	u.AssertEquals(t, RTTInfinite, cur.RTT)
	u.AssertEquals(t, Unmeasured, cur.UlRate)
	u.AssertEquals(t, Unmeasured, cur.DlRate)
	u.AssertFalse(t, cur.Complete())
	u.AssertEquals(t, int64(-1), cur.RTTNanos())
}

func TestMeasureRTT(t *testing.T) {
	addr := startProbeServer(t, 300*time.Millisecond)
	s := New(testConfig(addr))

	u.AssertNil(t, s.MeasureRTT(context.Background()))
	rtt := s.Current().RTT
	u.AssertTrue(t, rtt != RTTInfinite)
	u.AssertTrue(t, rtt < time.Second)
}

func TestUnreachableCloneKeepsPreviousValue(t *testing.T) {
	addr := startProbeServer(t, 300*time.Millisecond)
	s := New(testConfig(addr))
	u.AssertNil(t, s.MeasureRTT(context.Background()))
	before := s.Current().RTT

	s.cfg.Address = "127.0.0.1:1"
	u.AssertNonNil(t, s.MeasureRTT(context.Background()))
	u.AssertEquals(t, before, s.Current().RTT)
}

func TestMeasureRates(t *testing.T) {
	addr := startProbeServer(t, 300*time.Millisecond)
	s := New(testConfig(addr))
	ctx := context.Background()

	u.AssertNil(t, s.MeasureDownload(ctx))
	u.AssertNil(t, s.MeasureUpload(ctx))
	u.AssertNil(t, s.MeasureRTT(ctx))

	cur := s.Current()
	u.AssertTrue(t, cur.DlRate > 0)
	u.AssertTrue(t, cur.UlRate > 0)
	u.AssertTrue(t, cur.Complete())
	u.AssertTrue(t, s.WaitFirstSample(ctx, 10*time.Millisecond))

	st := s.Stats()
	u.AssertEquals(t, 1, st.UlSamples)
	u.AssertEquals(t, float64(cur.UlRate), st.UlMean)
	u.AssertEquals(t, 0.0, st.DlStdDev)
}

func TestSampleRejection(t *testing.T) {
	s := New(DefaultConfig("127.0.0.1:1"))

	s.addDownloadRate(9000, time.Second)
	u.AssertEquals(t, Unmeasured, s.Current().DlRate)

	// 40 KB in 1 s is 320 kb/s: too short a transfer for such a rate
	s.addDownloadRate(40000, time.Second)
	u.AssertEquals(t, Unmeasured, s.Current().DlRate)

	s.addDownloadRate(40000, 10*time.Second)
	u.AssertEquals(t, int64(32000), s.Current().DlRate)

	s.addUploadRate(100000, time.Second)
	u.AssertEquals(t, int64(800000), s.Current().UlRate)
}

func TestWindowIsBounded(t *testing.T) {
	s := New(DefaultConfig("127.0.0.1:1"))
	for i := 1; i <= 30; i++ {
		s.addUploadRate(int64(i)*100000, time.Second)
	}
	u.AssertEquals(t, WindowLength, s.Stats().UlSamples)
}

func TestWaitFirstSampleTimesOut(t *testing.T) {
	s := New(DefaultConfig("127.0.0.1:1"))
	start := time.Now()
	u.AssertFalse(t, s.WaitFirstSample(context.Background(), 50*time.Millisecond))
	u.AssertTrue(t, time.Since(start) >= 50*time.Millisecond)
}

func TestRefreshFollowsAddress(t *testing.T) {
	var address atomic.Value
	address.Store("")

	cfg := testConfig("")
	cfg.AddressFunc = func() string { return address.Load().(string) }
	for _, d := range []*time.Duration{&cfg.RTTDelay, &cfg.DownloadDelay, &cfg.UploadDelay, &cfg.RTTInterval, &cfg.DownloadInterval, &cfg.UploadInterval} {
		*d = time.Hour
	}
	s := New(cfg)
	u.AssertErrorIs(t, s.MeasureRTT(context.Background()), ErrNoAddress)

	// ignored until the probes are scheduled
	s.Refresh()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	address.Store(startProbeServer(t, 300*time.Millisecond))
	s.Refresh()

	u.AssertTrue(t, s.WaitFirstSample(ctx, 10*time.Second))
	u.AssertTrue(t, s.Current().Complete())
}
