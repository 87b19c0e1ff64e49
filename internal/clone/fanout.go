package clone

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/serverledge-faas/offloadge/internal/connection"
	"github.com/serverledge-faas/offloadge/internal/protocol"
	"github.com/serverledge-faas/offloadge/internal/registry"
	"github.com/serverledge-faas/offloadge/utils"
)

var ErrNotEnoughHelpers = errors.New("not enough helper clones available")
var ErrHelperFailed = errors.New("helper execution failed")

// MaxHelperCount bounds the nodes of a fan-out: slots travel as one byte.
const MaxHelperCount = 256

// HelperAllocator finds the clones that cooperate on a call.
type HelperAllocator interface {
	Allocate(ctx context.Context, n int) ([]connection.Endpoint, error)
}

// StaticHelpers allocates helpers from a fixed list, in order.
type StaticHelpers []connection.Endpoint

func (h StaticHelpers) Allocate(ctx context.Context, n int) ([]connection.Endpoint, error) {
	if n > len(h) {
		return nil, fmt.Errorf("%w: %d requested, %d configured", ErrNotEnoughHelpers, n, len(h))
	}
	return h[:n], nil
}

// ParseHelpers reads a list of "host:port" helper addresses.
func ParseHelpers(addresses []string) (StaticHelpers, error) {
	helpers := make(StaticHelpers, 0, len(addresses))
	for _, addr := range addresses {
		host, port, err := utils.ParseHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid helper address %q: %w", addr, err)
		}
		helpers = append(helpers, connection.Endpoint{IP: host, ClearPort: port})
	}
	return helpers, nil
}

type partial struct {
	slot   int
	result protocol.Result
}

// fanOut runs the call on this clone (slot 0) and on helperCount-1 helpers,
// then merges the slot-indexed results with the reducer of the method.
// Without a reducer or helpers the call runs here alone.
func (s *Server) fanOut(ctx context.Context, a *app, method *registry.Method, receiver any, execCtx *registry.ExecContext, req *protocol.OffloadRequest) (any, error) {
	args := registry.ArgsFromRaw(req.ParamValues)
	alone := func(reason error) (any, error) {
		log.Printf("[%s] %v runs without helpers: %v", a.identity, method.Key, reason)
		execCtx.HelperCount = 1
		return invoke(method, execCtx, receiver, args)
	}

	methods, _ := a.unit()
	reducer, found := methods.Reducer(method)
	if !found {
		return alone(fmt.Errorf("%w: %s", registry.ErrMethodNotFound, registry.ReducerName(method.Method)))
	}
	if s.cfg.Helpers == nil || execCtx.HelperCount > MaxHelperCount {
		return alone(ErrNotEnoughHelpers)
	}
	endpoints, err := s.cfg.Helpers.Allocate(ctx, execCtx.HelperCount-1)
	if err != nil {
		return alone(err)
	}

	n := len(endpoints)
	connectErrs := make([]error, n)
	results := make(chan partial, n)
	proceed := make(chan struct{})
	aborted := false

	var ready, finished sync.WaitGroup
	ready.Add(n)
	finished.Add(n)
	for i, endpoint := range endpoints {
		i, endpoint := i, endpoint
		slot := i + 1
		go func() {
			defer finished.Done()
			helper := connection.NewManager(connection.Config{
				Resolve:     connection.StaticResolver(endpoint),
				DialTimeout: s.cfg.HelperDialTimeout,
				App:         connection.AppPackage{Identity: a.identity, Path: a.pkgPath},
				HelperSlot:  byte(slot),
			})
			defer helper.Close()

			connectErrs[i] = helper.Connect(ctx)
			ready.Done()

			<-proceed
			if aborted || connectErrs[i] != nil {
				return
			}
			env, err := helper.Offload(ctx, req)
			if err != nil {
				results <- partial{slot: slot, result: protocol.FailureResult(protocol.KindException, "%v", err)}
				return
			}
			results <- partial{slot: slot, result: env.Result}
		}()
	}

	ready.Wait()
	for slot, err := range connectErrs {
		if err != nil {
			aborted = true
			log.Printf("[%s] helper %d (%s) not ready: %v", a.identity, slot+1, endpoints[slot].ClearAddress(), err)
		}
	}
	close(proceed)
	if aborted {
		finished.Wait()
		return alone(ErrNotEnoughHelpers)
	}

	value, err := invoke(method, execCtx, receiver, args)
	finished.Wait()
	close(results)
	if err != nil {
		return nil, err
	}

	slots := make([]json.RawMessage, n+1)
	if slots[0], err = json.Marshal(value); err != nil {
		return nil, err
	}
	for p := range results {
		if !p.result.IsSuccess() {
			return nil, fmt.Errorf("%w: slot %d: %s", ErrHelperFailed, p.slot, p.result)
		}
		slots[p.slot] = p.result.Value
	}

	merged, err := json.Marshal(slots)
	if err != nil {
		return nil, err
	}
	reduced, err := reducer.Call(execCtx, receiver, registry.ArgsFromRaw([]json.RawMessage{merged}))
	if err != nil {
		log.Printf("[%s] %v failed, keeping the primary result: %v", a.identity, reducer.Key, err)
		return value, nil
	}
	return reduced, nil
}
