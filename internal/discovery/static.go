package discovery

import "context"

// StaticPeer is one entry from configuration's static peer list.
type StaticPeer struct {
	URL            string
	DeviceID       string
	TLSFingerprint string
}

// StaticBackend surfaces the configured static peer list once at Start and
// never reports a peer-lost, since static entries do not time out.
type StaticBackend struct {
	peers      []StaticPeer
	discovered chan Peer
	lost       chan string
}

// NewStaticBackend builds a backend over a fixed peer list.
func NewStaticBackend(peers []StaticPeer) *StaticBackend {
	return &StaticBackend{
		peers:      peers,
		discovered: make(chan Peer, len(peers)+1),
		lost:       make(chan string),
	}
}

func (b *StaticBackend) Start(ctx context.Context) error {
	for _, p := range b.peers {
		b.discovered <- Peer{
			DeviceID:       p.DeviceID,
			Host:           p.URL,
			TLSFingerprint: p.TLSFingerprint,
		}
	}
	return nil
}

func (b *StaticBackend) Stop() error {
	close(b.discovered)
	close(b.lost)
	return nil
}

func (b *StaticBackend) Discovered() <-chan Peer { return b.discovered }
func (b *StaticBackend) Lost() <-chan string     { return b.lost }
