package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

// ProtocolVersion is advertised in every beacon so future incompatible
// wire changes can be detected before a handshake is attempted.
const ProtocolVersion = 1

const defaultMulticastAddr = "239.255.42.99:42424"

// beacon is the JSON payload broadcast over UDP multicast, playing the role
// of the TXT record described by spec.md's `_clawmesh._tcp` service name —
// there is no mDNS/zeroconf library in the dependency pack, so the beacon
// is a small self-describing JSON datagram instead of a DNS-SD TXT record.
type beacon struct {
	DeviceID       string `json:"deviceId"`
	Version        int    `json:"version"`
	DisplayName    string `json:"displayName,omitempty"`
	Port           int    `json:"port"`
	TLSFingerprint string `json:"tlsFingerprint,omitempty"`
}

// MulticastBackend advertises the local node and browses for others over
// UDP multicast, standing in for `_clawmesh._tcp` service discovery.
type MulticastBackend struct {
	selfDeviceID   string
	selfDisplay    string
	selfPort       int
	selfFingerprint string
	scanInterval   time.Duration
	groupAddr      string
	logger         *log.Logger

	discovered chan Peer
	lost       chan string

	mu       sync.Mutex
	lastSeen map[string]time.Time

	conn   *net.UDPConn
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// MulticastConfig configures a MulticastBackend.
type MulticastConfig struct {
	SelfDeviceID    string
	SelfDisplayName string
	SelfPort        int
	SelfFingerprint string
	ScanInterval    time.Duration // must be >= 5s per spec.md's scanIntervalMs floor
	GroupAddr       string        // defaults to 239.255.42.99:42424
	Logger          *log.Logger
}

// NewMulticastBackend builds a backend from cfg, applying defaults for any
// zero-valued optional field.
func NewMulticastBackend(cfg MulticastConfig) *MulticastBackend {
	if cfg.ScanInterval < 5*time.Second {
		cfg.ScanInterval = 5 * time.Second
	}
	if cfg.GroupAddr == "" {
		cfg.GroupAddr = defaultMulticastAddr
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &MulticastBackend{
		selfDeviceID:    cfg.SelfDeviceID,
		selfDisplay:     cfg.SelfDisplayName,
		selfPort:        cfg.SelfPort,
		selfFingerprint: cfg.SelfFingerprint,
		scanInterval:    cfg.ScanInterval,
		groupAddr:       cfg.GroupAddr,
		logger:          cfg.Logger,
		discovered:      make(chan Peer, 64),
		lost:            make(chan string, 64),
		lastSeen:        make(map[string]time.Time),
	}
}

func (b *MulticastBackend) Discovered() <-chan Peer { return b.discovered }
func (b *MulticastBackend) Lost() <-chan string     { return b.lost }

// Start joins the multicast group, begins listening for beacons, and
// starts advertising the local node every scanInterval. A failure to bind
// the multicast socket is returned to the caller (Manager logs and
// continues); once running, per-datagram errors are logged and swallowed.
func (b *MulticastBackend) Start(ctx context.Context) error {
	groupAddr, err := net.ResolveUDPAddr("udp4", b.groupAddr)
	if err != nil {
		return fmt.Errorf("discovery: resolve multicast group: %w", err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, groupAddr)
	if err != nil {
		return fmt.Errorf("discovery: join multicast group: %w", err)
	}
	conn.SetReadBuffer(65536) //nolint:errcheck
	b.conn = conn

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.wg.Add(3)
	go b.listenLoop(runCtx)
	go b.advertiseLoop(runCtx)
	go b.pruneLoop(runCtx)

	go func() {
		<-runCtx.Done()
		conn.Close()
	}()

	return nil
}

func (b *MulticastBackend) listenLoop(ctx context.Context) {
	defer b.wg.Done()
	buf := make([]byte, 2048)
	for {
		n, err := b.conn.Read(buf)
		if err != nil {
			// A closed socket (context cancellation or explicit Stop) is the
			// normal shutdown path, not a runtime error worth logging.
			return
		}
		var bc beacon
		if err := json.Unmarshal(buf[:n], &bc); err != nil {
			continue
		}
		if bc.DeviceID == "" || bc.DeviceID == b.selfDeviceID {
			continue
		}

		b.mu.Lock()
		_, known := b.lastSeen[bc.DeviceID]
		b.lastSeen[bc.DeviceID] = time.Now()
		b.mu.Unlock()

		if known {
			continue
		}
		select {
		case b.discovered <- Peer{
			DeviceID:       bc.DeviceID,
			DisplayName:    bc.DisplayName,
			Port:           bc.Port,
			TLSFingerprint: bc.TLSFingerprint,
		}:
		default:
			b.logger.Printf("discovery: dropped multicast beacon for %s, channel full", bc.DeviceID)
		}
	}
}

func (b *MulticastBackend) advertiseLoop(ctx context.Context) {
	defer b.wg.Done()

	groupAddr, err := net.ResolveUDPAddr("udp4", b.groupAddr)
	if err != nil {
		b.logger.Printf("discovery: resolve advertise addr: %v", err)
		return
	}
	sendConn, err := net.DialUDP("udp4", nil, groupAddr)
	if err != nil {
		b.logger.Printf("discovery: dial multicast for advertise: %v", err)
		return
	}
	defer sendConn.Close()

	payload, err := json.Marshal(beacon{
		DeviceID:       b.selfDeviceID,
		Version:        ProtocolVersion,
		DisplayName:    b.selfDisplay,
		Port:           b.selfPort,
		TLSFingerprint: b.selfFingerprint,
	})
	if err != nil {
		b.logger.Printf("discovery: marshal beacon: %v", err)
		return
	}

	ticker := time.NewTicker(b.scanInterval)
	defer ticker.Stop()

	if _, err := sendConn.Write(payload); err != nil {
		b.logger.Printf("discovery: send beacon: %v", err)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sendConn.Write(payload); err != nil {
				b.logger.Printf("discovery: send beacon: %v", err)
			}
		}
	}
}

// pruneLoop drops a peer after it misses three consecutive advertise
// intervals, emitting peer-lost.
func (b *MulticastBackend) pruneLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.scanInterval)
	defer ticker.Stop()

	staleAfter := 3 * b.scanInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-staleAfter)
			var stale []string
			b.mu.Lock()
			for id, last := range b.lastSeen {
				if last.Before(cutoff) {
					stale = append(stale, id)
					delete(b.lastSeen, id)
				}
			}
			b.mu.Unlock()

			for _, id := range stale {
				select {
				case b.lost <- id:
				default:
					b.logger.Printf("discovery: dropped peer-lost for %s, channel full", id)
				}
			}
		}
	}
}

// Stop closes the multicast socket and waits for the background loops to
// exit. Context cancellation (via Manager.Start's derived context) is the
// primary shutdown path; Stop is a safety net for direct callers.
func (b *MulticastBackend) Stop() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	close(b.discovered)
	close(b.lost)
	return nil
}
