package registration

import (
	"errors"
	"fmt"

	"github.com/hexablock/vivaldi"

	"github.com/serverledge-faas/offloadge/internal/connection"
	"github.com/serverledge-faas/offloadge/internal/node"
)

var UnavailableClientErr = errors.New("etcd client unavailable")
var IdRegistrationErr = errors.New("etcd error: could not complete the registration")
var NoCloneErr = errors.New("no clone registered in the area")

// CloneRegistration is the record a clone publishes in its area.
type CloneRegistration struct {
	ID          node.NodeID         `json:"-"`
	IPAddress   string              `json:"ip"`
	ClearPort   int                 `json:"clearPort"`
	SecurePort  int                 `json:"securePort"`
	APIPort     int                 `json:"apiPort"`
	Coordinates *vivaldi.Coordinate `json:"coordinate,omitempty"`
}

func (r *CloneRegistration) toEtcdKey() string {
	return fmt.Sprintf("%s/%s/%s", registryBaseDirectory, r.ID.Area, r.ID.Key)
}

// Endpoint is the address clients and primary clones connect to.
func (r *CloneRegistration) Endpoint() connection.Endpoint {
	return connection.Endpoint{IP: r.IPAddress, ClearPort: r.ClearPort, SecurePort: r.SecurePort}
}

// PeerInfo is what the monitoring loop knows about another clone.
type PeerInfo struct {
	CloneRegistration
	Latency   float64 `json:"latencyMs"`
	Reachable bool    `json:"reachable"`
}
