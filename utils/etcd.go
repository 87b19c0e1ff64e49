package utils

import (
	"fmt"
	"log"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// NewEtcdClient connects to the etcd endpoint at address. The caller owns the
// client and closes it.
func NewEtcdClient(address string) (*clientv3.Client, error) {
	log.Println("Connecting to etcd")
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{address},
		DialTimeout: 3 * time.Second,
	})
	if err != nil {
		log.Printf("Could not connect to etcd: %v", err)
		return nil, fmt.Errorf("could not connect to etcd: %v", err)
	}

	log.Println("Connected to etcd")
	return cli, nil
}
