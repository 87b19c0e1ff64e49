package registration

import (
	"context"
	"net"
	"net/url"
	"testing"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"

	u "github.com/serverledge-faas/offloadge/utils"
)

func freeURL(t *testing.T) url.URL {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	u.AssertNil(t, err)
	addr := ln.Addr().String()
	_ = ln.Close()
	return url.URL{Scheme: "http", Host: addr}
}

func startEtcd(t *testing.T) *clientv3.Client {
	if testing.Short() {
		t.Skip("embedded etcd skipped in short mode")
	}
	cfg := embed.NewConfig()
	cfg.Dir = t.TempDir()
	cfg.LogLevel = "error"
	clientURL, peerURL := freeURL(t), freeURL(t)
	cfg.ListenClientUrls = []url.URL{clientURL}
	cfg.AdvertiseClientUrls = []url.URL{clientURL}
	cfg.ListenPeerUrls = []url.URL{peerURL}
	cfg.AdvertisePeerUrls = []url.URL{peerURL}
	cfg.InitialCluster = cfg.InitialClusterFromName(cfg.Name)

	etcd, err := embed.StartEtcd(cfg)
	u.AssertNil(t, err)
	t.Cleanup(etcd.Close)
	select {
	case <-etcd.Server.ReadyNotify():
	case <-time.After(20 * time.Second):
		t.Fatal("etcd did not start")
	}

	cli, err := u.NewEtcdClient(clientURL.Host)
	u.AssertNil(t, err)
	t.Cleanup(func() { _ = cli.Close() })
	return cli
}

func TestEtcdClientsAreOwnedByCaller(t *testing.T) {
	cli := startEtcd(t)
	other, err := u.NewEtcdClient(cli.Endpoints()[0])
	u.AssertNil(t, err)
	u.AssertTrue(t, other != cli)
	u.AssertNil(t, other.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = cli.Put(ctx, "owned", "yes")
	u.AssertNil(t, err)
}

// listener returns a port accepting TCP connections, standing in for a clone.
func listener(t *testing.T) int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	u.AssertNil(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestRegisterAndResolve(t *testing.T) {
	cli := startEtcd(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, err := New(cli, "test-area")
	u.AssertNil(t, err)
	port := listener(t)
	u.AssertNil(t, first.Register(ctx, CloneRegistration{IPAddress: "127.0.0.1", ClearPort: port, SecurePort: port + 1}))

	client, err := New(cli, "test-area")
	u.AssertNil(t, err)
	clones, err := client.Clones(ctx, true)
	u.AssertNil(t, err)
	u.AssertEquals(t, 1, len(clones))

	endpoint, err := client.Resolver()(ctx)
	u.AssertNil(t, err)
	u.AssertEquals(t, port, endpoint.ClearPort)
	u.AssertEquals(t, port+1, endpoint.SecurePort)

	// the clone does not see itself
	own, err := first.Clones(ctx, false)
	u.AssertNil(t, err)
	u.AssertEquals(t, 0, len(own))

	u.AssertNil(t, first.Deregister(ctx))
	_, err = client.Resolver()(ctx)
	u.AssertErrorIs(t, err, NoCloneErr)
}

func TestAllocateNearestPeers(t *testing.T) {
	cli := startEtcd(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var clones []*Registry
	for i := 0; i < 3; i++ {
		r, err := New(cli, "fanout")
		u.AssertNil(t, err)
		u.AssertNil(t, r.Register(ctx, CloneRegistration{IPAddress: "127.0.0.1", ClearPort: listener(t)}))
		clones = append(clones, r)
	}
	// a registered clone that is not listening
	dead, err := New(cli, "fanout")
	u.AssertNil(t, err)
	u.AssertNil(t, dead.Register(ctx, CloneRegistration{IPAddress: "127.0.0.1", ClearPort: 1}))

	primary := clones[0]
	u.AssertNil(t, primary.refresh(ctx))
	u.AssertEquals(t, 3, len(primary.Peers()))

	helpers, err := primary.Allocate(ctx, 2)
	u.AssertNil(t, err)
	u.AssertEquals(t, 2, len(helpers))
	self, _ := primary.Self()
	for _, h := range helpers {
		u.AssertTrue(t, h.ClearPort != self.ClearPort && h.ClearPort != 1)
	}

	_, err = primary.Allocate(ctx, 3)
	u.AssertErrorIs(t, err, NoCloneErr)
}
