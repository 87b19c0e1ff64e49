package netsampler

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/serverledge-faas/offloadge/internal/metrics"
	"github.com/serverledge-faas/offloadge/internal/protocol"
	"github.com/serverledge-faas/offloadge/utils"
)

const (
	NrPings    = 5
	BufferSize = 10 * 1024
	// WindowLength is the number of accepted rates kept for Stats.
	WindowLength = 20
)

var ErrNoAddress = errors.New("clone address unknown")

type Config struct {
	Address     string
	// when set, looked up before every probe instead of Address
	AddressFunc func() string
	NetworkType string
	DialTimeout time.Duration
	// duration of a download or upload measurement
	ProbeWindow time.Duration

	RTTDelay         time.Duration
	RTTInterval      time.Duration
	DownloadDelay    time.Duration
	DownloadInterval time.Duration
	UploadDelay      time.Duration
	UploadInterval   time.Duration
}

func DefaultConfig(address string) Config {
	return Config{
		Address:          address,
		NetworkType:      "WiFi",
		DialTimeout:      5 * time.Second,
		ProbeWindow:      3 * time.Second,
		RTTDelay:         0,
		RTTInterval:      13 * time.Minute,
		DownloadDelay:    1 * time.Second,
		DownloadInterval: 29 * time.Minute,
		UploadDelay:      5 * time.Second,
		UploadInterval:   31 * time.Minute,
	}
}

// Stats summarises the accepted rates.
type Stats struct {
	UlMean, UlStdDev float64
	DlMean, DlStdDev float64
	UlSamples        int
	DlSamples        int
}

// Sampler periodically measures RTT, upload and download rates towards a clone.
type Sampler struct {
	cfg Config

	mu       sync.RWMutex
	current  Sample
	ulWindow *utils.Ring[int64]
	dlWindow *utils.Ring[int64]

	complete     chan struct{}
	completeOnce sync.Once

	// one per probe, signalled by Refresh
	kicks   [3]chan struct{}
	started bool
}

func New(cfg Config) *Sampler {
	if cfg.ProbeWindow <= 0 {
		cfg.ProbeWindow = 3 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	s := &Sampler{
		cfg:      cfg,
		current:  EmptySample(cfg.NetworkType),
		ulWindow: utils.NewRing[int64](WindowLength),
		dlWindow: utils.NewRing[int64](WindowLength),
		complete: make(chan struct{}),
	}
	for i := range s.kicks {
		s.kicks[i] = make(chan struct{}, 1)
	}
	return s
}

// Current returns a copy of the latest sample.
func (s *Sampler) Current() Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Start schedules the three probes until ctx is cancelled.
func (s *Sampler) Start(ctx context.Context) {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	go s.schedule(ctx, "rtt", s.cfg.RTTDelay, s.cfg.RTTInterval, s.kicks[0], s.MeasureRTT)
	go s.schedule(ctx, "download", s.cfg.DownloadDelay, s.cfg.DownloadInterval, s.kicks[1], s.MeasureDownload)
	go s.schedule(ctx, "upload", s.cfg.UploadDelay, s.cfg.UploadInterval, s.kicks[2], s.MeasureUpload)
}

// Refresh runs every probe again without waiting for its interval, e.g. after
// connecting to a different clone. It is a no-op before Start.
func (s *Sampler) Refresh() {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	if !started {
		return
	}
	for _, kick := range s.kicks {
		select {
		case kick <- struct{}{}:
		default:
		}
	}
}

func (s *Sampler) schedule(ctx context.Context, name string, delay time.Duration, interval time.Duration, kick <-chan struct{}, probe func(context.Context) error) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	case <-kick:
	}

	run := func() {
		if err := probe(ctx); err != nil {
			log.Printf("Network probe %s failed: %v", name, err)
		}
	}
	run()

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			run()
		case <-kick:
			run()
		}
	}
}

// WaitFirstSample blocks until every measurement is available, ctx is done or max elapses.
func (s *Sampler) WaitFirstSample(ctx context.Context, max time.Duration) bool {
	timer := time.NewTimer(max)
	defer timer.Stop()
	select {
	case <-s.complete:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Sampler) address() string {
	if s.cfg.AddressFunc != nil {
		return s.cfg.AddressFunc()
	}
	return s.cfg.Address
}

func (s *Sampler) dial(ctx context.Context) (net.Conn, error) {
	address := s.address()
	if address == "" {
		return nil, ErrNoAddress
	}
	d := net.Dialer{Timeout: s.cfg.DialTimeout}
	return d.DialContext(ctx, "tcp", address)
}

// MeasureRTT sends NrPings PINGs on one connection and averages half of each round trip.
func (s *Sampler) MeasureRTT(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(s.cfg.DialTimeout * NrPings))

	var total time.Duration
	for i := 0; i < NrPings; i++ {
		start := time.Now()
		if err = protocol.WriteOpcode(conn, protocol.PING); err == nil {
			err = protocol.ExpectOpcode(conn, protocol.PONG)
		}
		if err != nil {
			s.update(func(cur *Sample) { cur.RTT = RTTInfinite })
			return err
		}
		total += time.Since(start) / 2
	}

	rtt := total / NrPings
	log.Printf("Measured RTT: %v", rtt)
	s.update(func(cur *Sample) { cur.RTT = rtt })
	return nil
}

// MeasureDownload reads from the clone for the probe window, acknowledging each read.
func (s *Sampler) MeasureDownload(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := protocol.WriteOpcode(conn, protocol.DOWNLOAD); err != nil {
		return err
	}

	// closing our side unblocks the read loop when the window expires
	stop := time.AfterFunc(s.cfg.ProbeWindow, func() { _ = conn.Close() })
	defer stop.Stop()

	buf := make([]byte, BufferSize)
	var received int64
	start := time.Now()
	for time.Since(start) < s.cfg.ProbeWindow {
		n, err := conn.Read(buf)
		received += int64(n)
		if err != nil {
			break
		}
		if err := protocol.WriteByte(conn, 1); err != nil {
			break
		}
	}
	elapsed := time.Since(start)

	s.addDownloadRate(received, elapsed)
	return nil
}

// MeasureUpload streams data until the clone closes the connection, then asks
// the clone how much it received.
func (s *Sampler) MeasureUpload(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}

	if err := protocol.WriteOpcode(conn, protocol.UPLOAD); err != nil {
		_ = conn.Close()
		return err
	}

	acks := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, conn)
		close(acks)
	}()

	_ = conn.SetWriteDeadline(time.Now().Add(2*s.cfg.ProbeWindow + s.cfg.DialTimeout))
	buf := make([]byte, BufferSize)
	for {
		if _, err := conn.Write(buf); err != nil {
			break
		}
	}
	_ = conn.Close()
	<-acks

	resultConn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer resultConn.Close()
	_ = resultConn.SetDeadline(time.Now().Add(s.cfg.DialTimeout))

	if err := protocol.WriteOpcode(resultConn, protocol.UPLOAD_RESULT); err != nil {
		return err
	}
	bytes, err := protocol.ReadInt64(resultConn)
	if err != nil {
		return err
	}
	nanos, err := protocol.ReadInt64(resultConn)
	if err != nil {
		return err
	}

	s.addUploadRate(bytes, time.Duration(nanos))
	return nil
}

func (s *Sampler) addDownloadRate(bytes int64, elapsed time.Duration) {
	rate := Rate(bytes, elapsed)
	log.Printf("Received %d bytes in %v: %d b/s", bytes, elapsed, rate)
	if !acceptable(bytes, rate) {
		return
	}
	s.update(func(cur *Sample) {
		cur.DlRate = rate
		s.dlWindow.Push(rate)
	})
}

func (s *Sampler) addUploadRate(bytes int64, elapsed time.Duration) {
	rate := Rate(bytes, elapsed)
	log.Printf("Sent %d bytes in %v: %d b/s", bytes, elapsed, rate)
	if !acceptable(bytes, rate) {
		return
	}
	s.update(func(cur *Sample) {
		cur.UlRate = rate
		s.ulWindow.Push(rate)
	})
}

// update applies fn under the lock and publishes the result.
func (s *Sampler) update(fn func(cur *Sample)) {
	s.mu.Lock()
	fn(&s.current)
	sample := s.current
	s.mu.Unlock()

	metrics.SetNetworkSample(rttOrNegative(sample.RTT), sample.UlRate, sample.DlRate)
	if sample.Complete() {
		s.completeOnce.Do(func() { close(s.complete) })
	}
}

func rttOrNegative(rtt time.Duration) time.Duration {
	if rtt == RTTInfinite {
		return -1
	}
	return rtt
}

func (s *Sampler) Stats() Stats {
	s.mu.RLock()
	ul := toFloats(s.ulWindow)
	dl := toFloats(s.dlWindow)
	s.mu.RUnlock()

	var st Stats
	st.UlSamples = len(ul)
	st.DlSamples = len(dl)
	if len(ul) > 0 {
		st.UlMean, st.UlStdDev = meanStdDev(ul)
	}
	if len(dl) > 0 {
		st.DlMean, st.DlStdDev = meanStdDev(dl)
	}
	return st
}

func meanStdDev(x []float64) (float64, float64) {
	if len(x) == 1 {
		return x[0], 0
	}
	return stat.MeanStdDev(x, nil)
}

func toFloats(r *utils.Ring[int64]) []float64 {
	values := make([]float64, 0, r.Len())
	r.Each(func(v int64) bool {
		values = append(values, float64(v))
		return true
	})
	return values
}
