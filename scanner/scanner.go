package scanner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecore/internal/device"
	"github.com/srg/blecore/internal/devicefactory"
	"github.com/srg/blecore/internal/groutine"
	"github.com/srg/blecore/internal/stream"
)

const (
	// DefaultBatchDelay is how often batched results are merged and published.
	DefaultBatchDelay = 2500 * time.Millisecond
	// DefaultScanTimeout is how long a scan runs before stopping itself.
	DefaultScanTimeout = 20 * time.Second

	snapshotBuffer = 8
)

// Snapshot is the set of devices known at one point of a scan session,
// sorted by device ID.
type Snapshot []device.ScanResult

// ScanOptions configures scanning behavior
type ScanOptions struct {
	// ServiceUUIDs keeps devices advertising at least one of these services.
	ServiceUUIDs []string
	// Name keeps devices advertising exactly this local name.
	Name string
	// BatchDelay > 0 groups reports and publishes on every flush; 0 publishes
	// as soon as a new device is seen.
	BatchDelay time.Duration
	// Timeout stops the scan automatically; 0 scans until Stop.
	Timeout         time.Duration
	AllowDuplicates bool
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		BatchDelay:      DefaultBatchDelay,
		Timeout:         DefaultScanTimeout,
		AllowDuplicates: true,
	}
}

// Scanner handles BLE device discovery. One session runs at a time.
type Scanner struct {
	central device.Central
	gate    device.PermissionGate
	logger  *logrus.Logger

	mu      sync.Mutex
	session *Session
}

// NewScanner creates a new BLE scanner on the platform central.
func NewScanner(logger *logrus.Logger) (*Scanner, error) {
	if logger == nil {
		logger = logrus.New()
	}
	central, err := devicefactory.CentralFactory(logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE central: %w", err)
	}
	return NewScannerWithCentral(central, logger), nil
}

// NewScannerWithCentral creates a scanner on an existing central.
func NewScannerWithCentral(central device.Central, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{central: central, logger: logger}
}

// SetPermissionGate installs the gate consulted before every scan.
func (s *Scanner) SetPermissionGate(gate device.PermissionGate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = gate
}

// IsScanning reports whether a session is active.
func (s *Scanner) IsScanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session != nil
}

// Start begins a new scan session. A running session is stopped first,
// publishing its final snapshot and clearing its results.
func (s *Scanner) Start(ctx context.Context, opts *ScanOptions) (*Session, error) {
	if opts == nil {
		opts = DefaultScanOptions()
	}

	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if err := device.RequirePermissions(ctx, gate, device.PermissionScan); err != nil {
		return nil, err
	}

	services := mapset.NewThreadUnsafeSet[string]()
	for _, u := range opts.ServiceUUIDs {
		n := device.NormalizeUUID(u)
		if n == "" {
			return nil, fmt.Errorf("%w: invalid service UUID %q", device.ErrInvalidArgument, u)
		}
		services.Add(n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		s.logger.Debug("Scan already running, stopping it first")
		s.stopLocked()
	}

	scanCtx, cancel := context.WithCancel(ctx)
	sess := &Session{
		opts:     *opts,
		services: services,
		results:  hashmap.New[string, device.ScanResult](),
		out:      stream.NewRingChannel[Snapshot](snapshotBuffer),
		cancel:   cancel,
		done:     make(chan struct{}),
		logger:   s.logger,
	}
	s.session = sess

	s.logger.WithFields(logrus.Fields{
		"timeout":     opts.Timeout,
		"batch_delay": opts.BatchDelay,
		"services":    opts.ServiceUUIDs,
		"name":        opts.Name,
	}).Info("Starting BLE scan...")

	groutine.Go(scanCtx, "ble-scan", func(ctx context.Context) {
		err := s.central.Scan(ctx, opts.AllowDuplicates, sess.handleAdvertisement)
		s.scanReturned(sess, err)
	})

	if opts.BatchDelay > 0 {
		groutine.Go(scanCtx, "ble-scan-batch", func(ctx context.Context) {
			sess.runBatches(ctx)
		})
	}

	if opts.Timeout > 0 {
		groutine.Go(scanCtx, "ble-scan-timeout", func(ctx context.Context) {
			timer := time.NewTimer(opts.Timeout)
			defer timer.Stop()
			select {
			case <-timer.C:
				s.logger.Warn("Scan timeout has occurred")
				s.stopSession(sess)
			case <-ctx.Done():
			}
		})
	}

	return sess, nil
}

// Stop ends the active session. Stopping when not scanning is a no-op.
func (s *Scanner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scanner) stopLocked() {
	if s.session == nil {
		return
	}
	sess := s.session
	s.session = nil
	sess.finish(nil)
	s.logger.Info("Stopped scanning")
}

// stopSession stops sess only if it is still the active session.
func (s *Scanner) stopSession(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == sess {
		s.stopLocked()
	}
}

func (s *Scanner) scanReturned(sess *Session, err error) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		// the transport stops scanning when its context ends; make sure
		// the session completes too
		s.stopSession(sess)
		return
	}

	serr := &device.ScannerError{Code: device.StatusOf(err), Err: err}
	s.logger.WithError(serr).Error("Scanning failed")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == sess {
		s.session = nil
	}
	sess.fail(serr)
}

// Session is one scan run. Results yields snapshots until the session ends.
type Session struct {
	opts     ScanOptions
	services mapset.Set[string]
	results  *hashmap.Map[string, device.ScanResult]
	out      *stream.RingChannel[Snapshot]
	cancel   context.CancelFunc
	done     chan struct{}
	logger   *logrus.Logger

	mu      sync.Mutex
	pending []device.ScanResult
	closed  bool
	err     error
}

// Results returns the snapshot stream. It is closed when the session stops,
// times out or fails.
func (sess *Session) Results() <-chan Snapshot {
	return sess.out.C()
}

// Done is closed when the session has ended.
func (sess *Session) Done() <-chan struct{} {
	return sess.done
}

// Err returns the failure that ended the session, if any. It is only
// meaningful after Done is closed.
func (sess *Session) Err() error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.err
}

// Len returns the number of distinct devices seen so far.
func (sess *Session) Len() int {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.results.Len()
}

func (sess *Session) handleAdvertisement(adv device.Advertisement) {
	if !sess.matches(adv) {
		return
	}
	result := device.NewScanResult(adv, time.Now())

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return
	}

	if sess.opts.BatchDelay > 0 {
		sess.pending = append(sess.pending, result)
		return
	}

	if _, existed := sess.results.GetOrInsert(result.DeviceID, result); existed {
		sess.results.Set(result.DeviceID, result)
		return
	}

	sess.logger.WithFields(logrus.Fields{
		"device":  result.Name,
		"address": result.DeviceID,
		"rssi":    result.RSSI,
	}).Info("Discovered new device")
	sess.emitLocked()
}

func (sess *Session) matches(adv device.Advertisement) bool {
	if sess.opts.Name != "" && adv.LocalName() != sess.opts.Name {
		return false
	}
	if sess.services.Cardinality() == 0 {
		return true
	}
	for _, u := range adv.Services() {
		if sess.services.Contains(device.NormalizeUUID(u)) {
			return true
		}
	}
	return false
}

func (sess *Session) runBatches(ctx context.Context) {
	ticker := time.NewTicker(sess.opts.BatchDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sess.mu.Lock()
			if !sess.closed && sess.mergePendingLocked() > 0 {
				sess.emitLocked()
			}
			sess.mu.Unlock()
		}
	}
}

func (sess *Session) mergePendingLocked() int {
	n := len(sess.pending)
	for _, r := range sess.pending {
		sess.results.Set(r.DeviceID, r)
	}
	sess.pending = nil
	if n > 0 {
		sess.logger.WithFields(logrus.Fields{
			"batch":   n,
			"devices": sess.results.Len(),
		}).Debug("Merged batched scan results")
	}
	return n
}

func (sess *Session) snapshotLocked() Snapshot {
	snap := make(Snapshot, 0, sess.results.Len())
	sess.results.Range(func(_ string, r device.ScanResult) bool {
		snap = append(snap, r)
		return true
	})
	sort.Slice(snap, func(i, j int) bool {
		return snap[i].DeviceID < snap[j].DeviceID
	})
	return snap
}

func (sess *Session) emitLocked() {
	sess.out.Send(sess.snapshotLocked())
}

// finish publishes the final snapshot and completes the stream.
func (sess *Session) finish(err error) {
	sess.cancel()

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return
	}
	sess.mergePendingLocked()
	sess.emitLocked()
	sess.closeLocked(err)
}

// fail completes the stream without a final snapshot.
func (sess *Session) fail(err error) {
	sess.cancel()

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !sess.closed {
		sess.closeLocked(err)
	}
}

func (sess *Session) closeLocked(err error) {
	sess.closed = true
	sess.err = err
	sess.pending = nil
	sess.results = hashmap.New[string, device.ScanResult]()
	sess.out.Close()
	close(sess.done)
}
