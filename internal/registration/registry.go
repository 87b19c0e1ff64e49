package registration

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/hexablock/vivaldi"
	clientv3 "go.etcd.io/etcd/client/v3"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/serverledge-faas/offloadge/internal/connection"
	"github.com/serverledge-faas/offloadge/internal/node"
	"github.com/serverledge-faas/offloadge/utils"
)

const registryBaseDirectory = "offloadge"
const etcdLeaseTTL = 120

// unreachable peers sort after every measured one
const unreachableLatencyMs = 9999.0

func areaEtcdKey(area string) string {
	return fmt.Sprintf("%s/%s/", registryBaseDirectory, area)
}

// Registry publishes a clone in its area and tracks the other clones there.
type Registry struct {
	cli  *clientv3.Client
	area string

	mu      sync.RWMutex
	self    *CloneRegistration
	lease   clientv3.LeaseID
	vivaldi *vivaldi.Client
	peers   map[string]PeerInfo
}

func New(cli *clientv3.Client, area string) (*Registry, error) {
	if cli == nil {
		return nil, UnavailableClientErr
	}
	defaultConfig := vivaldi.DefaultConfig()
	defaultConfig.Dimensionality = 3
	vivaldiClient, err := vivaldi.NewClient(defaultConfig)
	if err != nil {
		return nil, err
	}
	return &Registry{cli: cli, area: area, vivaldi: vivaldiClient, peers: make(map[string]PeerInfo)}, nil
}

// Register publishes reg under a lease kept alive until ctx is done or Deregister is called.
func (r *Registry) Register(ctx context.Context, reg CloneRegistration) error {
	if reg.ID.Key == "" {
		reg.ID = node.NewIdentifier(r.area)
	}
	reg.ID.Area = r.area
	reg.Coordinates = r.vivaldi.GetCoordinate()
	log.Printf("Registration for clone: %s\n", reg.ID)

	grantCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := r.cli.Grant(grantCtx, etcdLeaseTTL)
	if err != nil {
		return fmt.Errorf("could not grant lease: %w", err)
	}

	r.mu.Lock()
	r.self = &reg
	r.lease = resp.ID
	r.mu.Unlock()

	if err := r.publish(grantCtx); err != nil {
		return err
	}

	keepAlive, err := r.cli.KeepAlive(ctx, resp.ID)
	if err != nil {
		return fmt.Errorf("could not keep the lease alive: %w", err)
	}
	go func() {
		for range keepAlive {
			// drain the responses; the channel closes with ctx or the lease
		}
		log.Printf("Lease of %s no longer kept alive\n", reg.ID)
	}()
	return nil
}

// publish writes the registration of this clone with its current coordinates.
func (r *Registry) publish(ctx context.Context) error {
	r.mu.RLock()
	if r.self == nil {
		r.mu.RUnlock()
		return nil
	}
	reg := *r.self
	lease := r.lease
	r.mu.RUnlock()

	reg.Coordinates = r.vivaldi.GetCoordinate()
	payload, err := json.Marshal(reg)
	if err != nil {
		return err
	}
	if _, err := r.cli.Put(ctx, reg.toEtcdKey(), string(payload), clientv3.WithLease(lease)); err != nil {
		log.Printf("Could not register %s: %v", reg.ID, err)
		return IdRegistrationErr
	}
	return nil
}

// Self returns the registration of this clone, if registered.
func (r *Registry) Self() (CloneRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.self == nil {
		return CloneRegistration{}, false
	}
	return *r.self, true
}

func (r *Registry) Deregister(ctx context.Context) error {
	r.mu.Lock()
	lease := r.lease
	r.self = nil
	r.lease = 0
	r.mu.Unlock()
	if lease == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if _, err := r.cli.Revoke(ctx, lease); err != nil {
		log.Printf("Error revoking lease: %v", err)
		return err
	}
	return nil
}

func parseRegistration(area string, key string, payload []byte) (CloneRegistration, error) {
	var reg CloneRegistration
	if err := json.Unmarshal(payload, &reg); err != nil {
		return CloneRegistration{}, fmt.Errorf("invalid payload for %s: %w", key, err)
	}
	if reg.IPAddress == "" || reg.ClearPort <= 0 {
		return CloneRegistration{}, fmt.Errorf("incomplete payload for %s: %s", key, payload)
	}
	reg.ID = node.NodeID{Area: area, Key: key}
	return reg, nil
}

// Clones lists the clones registered in the area.
func (r *Registry) Clones(ctx context.Context, includeSelf bool) (map[string]CloneRegistration, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	resp, err := r.cli.Get(ctx, areaEtcdKey(r.area), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("could not read from etcd: %v", err)
	}

	self, registered := r.Self()
	clones := make(map[string]CloneRegistration)
	for _, kv := range resp.Kvs {
		key := path.Base(string(kv.Key))
		if !includeSelf && registered && key == self.ID.Key {
			continue
		}
		reg, err := parseRegistration(r.area, key, kv.Value)
		if err != nil {
			log.Println(err)
			continue
		}
		clones[key] = reg
	}
	return clones, nil
}

// Resolver returns the clone of the area with the lowest connection latency.
func (r *Registry) Resolver() connection.Resolver {
	return func(ctx context.Context) (connection.Endpoint, error) {
		clones, err := r.Clones(ctx, true)
		if err != nil {
			return connection.Endpoint{}, err
		}

		var best *CloneRegistration
		bestLatency := time.Duration(0)
		for _, key := range sortedKeys(clones) {
			clone := clones[key]
			latency, err := utils.TCPLatency(utils.HostPort(clone.IPAddress, clone.ClearPort), 3*time.Second)
			if err != nil {
				log.Printf("Unreachable clone: %s\n", clone.ID)
				continue
			}
			if best == nil || latency < bestLatency {
				best, bestLatency = &clone, latency
			}
		}
		if best == nil {
			return connection.Endpoint{}, fmt.Errorf("%w: %s", NoCloneErr, r.area)
		}
		log.Printf("Using clone %s (%v)\n", best.ID, bestLatency)
		return best.Endpoint(), nil
	}
}

func sortedKeys(clones map[string]CloneRegistration) []string {
	keys := maps.Keys(clones)
	slices.Sort(keys)
	return keys
}

// Allocate picks the n reachable peers closest to this clone in the vivaldi space.
func (r *Registry) Allocate(ctx context.Context, n int) ([]connection.Endpoint, error) {
	r.mu.RLock()
	peers := maps.Values(r.peers)
	r.mu.RUnlock()
	if len(peers) == 0 {
		// monitoring has not run yet
		if err := r.refresh(ctx); err != nil {
			return nil, err
		}
		r.mu.RLock()
		peers = maps.Values(r.peers)
		r.mu.RUnlock()
	}

	type dist struct {
		peer     PeerInfo
		distance time.Duration
	}
	candidates := make([]dist, 0, len(peers))
	for _, p := range peers {
		if !p.Reachable {
			continue
		}
		d := time.Duration(p.Latency * float64(time.Millisecond))
		if p.Coordinates != nil {
			d = r.vivaldi.DistanceTo(p.Coordinates)
		}
		candidates = append(candidates, dist{peer: p, distance: d})
	}
	if len(candidates) < n {
		return nil, fmt.Errorf("%w: %d helpers requested, %d reachable", NoCloneErr, n, len(candidates))
	}
	slices.SortStableFunc(candidates, func(a, b dist) int {
		if a.distance != b.distance {
			if a.distance < b.distance {
				return -1
			}
			return 1
		}
		return strings.Compare(a.peer.ID.Key, b.peer.ID.Key)
	})

	endpoints := make([]connection.Endpoint, n)
	for i := 0; i < n; i++ {
		endpoints[i] = candidates[i].peer.Endpoint()
	}
	return endpoints, nil
}

// Peers returns what the monitoring loop knows about the other clones.
func (r *Registry) Peers() map[string]PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.peers)
}

// StartMonitoring refreshes peers and coordinates every interval until ctx is done.
func (r *Registry) StartMonitoring(ctx context.Context, interval time.Duration) {
	if err := r.refresh(ctx); err != nil {
		log.Println(err)
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.refresh(ctx); err != nil {
					log.Println(err)
				}
			}
		}
	}()
}

// refresh reads the peers of the area, measures their latency and updates
// the coordinates of this clone.
func (r *Registry) refresh(ctx context.Context) error {
	clones, err := r.Clones(ctx, false)
	if err != nil {
		return err
	}

	peers := make(map[string]PeerInfo, len(clones))
	for key, clone := range clones {
		info := PeerInfo{CloneRegistration: clone, Latency: unreachableLatencyMs}
		rtt, err := utils.TCPLatency(utils.HostPort(clone.IPAddress, clone.ClearPort), 3*time.Second)
		if err != nil {
			log.Printf("Unreachable neighbor: %s\n", clone.ID)
			peers[key] = info
			continue
		}
		info.Reachable = true
		info.Latency = float64(rtt.Microseconds()) / 1000
		if clone.Coordinates != nil {
			if _, err := r.vivaldi.Update(key, clone.Coordinates, rtt); err != nil {
				log.Printf("Error while updating node coordinates: %s\n", err)
			}
		}
		peers[key] = info
	}

	r.mu.Lock()
	r.peers = peers
	r.mu.Unlock()
	return r.publish(ctx)
}
