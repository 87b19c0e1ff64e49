package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serverledge-faas/offloadge/internal/decision"
	"github.com/serverledge-faas/offloadge/internal/history"
	"github.com/serverledge-faas/offloadge/internal/netsampler"
	"github.com/serverledge-faas/offloadge/internal/protocol"
	"github.com/serverledge-faas/offloadge/internal/registry"
)

type counter struct {
	Total int `json:"total"`
}

func (c *counter) TypeID() string { return "test.Counter" }

type bag struct {
	Items map[string]int `json:"items"`
	Tags  []string       `json:"tags,omitempty"`
}

func (b *bag) TypeID() string { return "test.Bag" }

func newBag() *bag {
	return &bag{Items: map[string]int{"a": 1, "b": 2}, Tags: []string{"x"}}
}

type fakeConn struct {
	connected bool
	offload   func(req *protocol.OffloadRequest) (*protocol.ResultEnvelope, error)
	mu        sync.Mutex
	requests  int
}

func (f *fakeConn) IsConnected() bool { return f.connected }

func (f *fakeConn) Offload(ctx context.Context, req *protocol.OffloadRequest) (*protocol.ResultEnvelope, error) {
	f.mu.Lock()
	f.requests++
	f.mu.Unlock()
	return f.offload(req)
}

type fixedSample netsampler.Sample

func (s fixedSample) Current() netsampler.Sample { return netsampler.Sample(s) }

var goodNetwork = fixedSample{RTT: 1000, UlRate: 900000, DlRate: 800000, NetworkType: "test"}

func testRegistry(t *testing.T) *registry.Registry {
	r := registry.New()
	r.RegisterType("test.Counter", func() any { return &counter{} })
	require.NoError(t, r.Register("test.Counter", "Add", []string{"int"}, "int",
		registry.Func1(func(ctx *registry.ExecContext, c *counter, n int) (int, error) {
			c.Total += n
			return c.Total, nil
		})))
	r.RegisterType("test.Bag", func() any { return &bag{} })
	require.NoError(t, r.Register("test.Bag", "Drop", []string{"string"}, "int",
		registry.Func1(func(ctx *registry.ExecContext, b *bag, key string) (int, error) {
			delete(b.Items, key)
			b.Tags = nil
			return len(b.Items), nil
		})))
	return r
}

// cloneSide executes requests the way a clone does and returns the encoded state.
func cloneSide(t *testing.T) func(req *protocol.OffloadRequest) (*protocol.ResultEnvelope, error) {
	methods := testRegistry(t)
	return func(req *protocol.OffloadRequest) (*protocol.ResultEnvelope, error) {
		receiver, typeID, err := methods.DecodeReceiver(req.ReceiverState)
		if err != nil {
			return nil, err
		}
		method, err := methods.Lookup(typeID, req.Method, req.ParamTypes)
		if err != nil {
			return nil, err
		}
		value, err := method.Call(registry.LocalContext(), receiver, registry.ArgsFromRaw(req.ParamValues))
		if err != nil {
			return nil, err
		}
		res, err := protocol.SuccessResult(value)
		if err != nil {
			return nil, err
		}
		state, err := registry.EncodeReceiver(receiver)
		if err != nil {
			return nil, err
		}
		return &protocol.ResultEnvelope{ObjectState: state, Result: res, PureExecutionDuration: 1}, nil
	}
}

func dropCall(t *testing.T, b *bag, key string) Call {
	call, err := NewCall(b, "Drop", []string{"string"}, key)
	require.NoError(t, err)
	return call
}

// dropLocally runs Drop on a fresh bag the way a LOCAL execution does.
func dropLocally(t *testing.T, key string) *bag {
	b := newBag()
	method, err := testRegistry(t).Lookup("test.Bag", "Drop", []string{"string"})
	require.NoError(t, err)
	args, err := registry.NewArgs(key)
	require.NoError(t, err)
	_, err = method.Call(registry.LocalContext(), b, args)
	require.NoError(t, err)
	return b
}

func startDispatcher(t *testing.T, choice decision.UserChoice, conn Connection) (*Dispatcher, *history.Store) {
	store := history.NewStore()
	d := New(Config{AppName: "demo"}, testRegistry(t), decision.NewPolicy(choice, store), store, conn, goodNetwork)
	require.NoError(t, d.Start())
	t.Cleanup(d.Stop)
	return d, store
}

func addCall(t *testing.T, c *counter, n int) Call {
	call, err := NewCall(c, "Add", []string{"int"}, n)
	require.NoError(t, err)
	return call
}

func TestLocalExecution(t *testing.T) {
	d, store := startDispatcher(t, decision.DYNAMIC, nil)

	c := &counter{Total: 1}
	res := d.Execute(context.Background(), addCall(t, c, 41))
	require.NoError(t, res.Err)
	assert.Equal(t, history.LOCAL, res.Location)

	var v int
	require.NoError(t, res.Decode(&v))
	assert.Equal(t, 42, v)
	assert.Equal(t, 42, c.Total)

	records := store.HistoryFor("demo", "Add", history.AnyLocation)
	require.Len(t, records, 1)
	assert.Equal(t, history.LOCAL, records[0].Location)
	assert.Equal(t, int64(900000), records[0].UlRate)
}

func TestConcurrentTasksDeliveredOnce(t *testing.T) {
	d, _ := startDispatcher(t, decision.LOCAL, nil)

	const n = 1000
	var wg sync.WaitGroup
	results := make(chan TaskResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			call, _ := NewCall(&counter{}, "Add", []string{"int"}, 1)
			task, err := d.Submit(context.Background(), call)
			if err != nil {
				results <- TaskResult{Err: err}
				return
			}
			res := <-task.Done()
			select {
			case extra := <-task.Done():
				results <- TaskResult{TaskID: extra.TaskID, Err: errors.New("delivered twice")}
			default:
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[uint64]bool)
	for res := range results {
		require.NoError(t, res.Err)
		assert.False(t, seen[res.TaskID])
		seen[res.TaskID] = true
	}
	assert.Len(t, seen, n)
}

func TestOneRecordPerTask(t *testing.T) {
	conn := &fakeConn{connected: true, offload: func(req *protocol.OffloadRequest) (*protocol.ResultEnvelope, error) {
		return nil, errors.New("connection reset")
	}}
	d, store := startDispatcher(t, decision.REMOTE, conn)

	for i := 0; i < 20; i++ {
		res := d.Execute(context.Background(), addCall(t, &counter{}, 1))
		require.NoError(t, res.Err)
	}
	assert.Equal(t, 20, store.Len())
	assert.Equal(t, 20, store.CountFor("demo", "Add", history.LOCAL))
}

func TestRemoteSuccessAppliesState(t *testing.T) {
	conn := &fakeConn{connected: true, offload: func(req *protocol.OffloadRequest) (*protocol.ResultEnvelope, error) {
		res, _ := protocol.SuccessResult(99)
		return &protocol.ResultEnvelope{
			ObjectState:           json.RawMessage(`{"type":"test.Counter","state":{"total":99}}`),
			Result:                res,
			PureExecutionDuration: 5,
		}, nil
	}}
	d, store := startDispatcher(t, decision.REMOTE, conn)

	c := &counter{Total: 1}
	res := d.Execute(context.Background(), addCall(t, c, 98))
	require.NoError(t, res.Err)
	assert.Equal(t, history.REMOTE, res.Location)
	assert.Equal(t, 99, c.Total)

	records := store.HistoryFor("demo", "Add", history.REMOTE)
	require.Len(t, records, 1)
	assert.Equal(t, int64(5), records[0].PureExecDuration)
	assert.Equal(t, int64(800000), records[0].DlRate)
	assert.Equal(t, 0, store.CountFor("demo", "Add", history.LOCAL))
}

func TestRemoteStateReplacesReceiver(t *testing.T) {
	conn := &fakeConn{connected: true, offload: cloneSide(t)}
	d, _ := startDispatcher(t, decision.REMOTE, conn)

	b := newBag()
	res := d.Execute(context.Background(), dropCall(t, b, "a"))
	require.NoError(t, res.Err)
	assert.Equal(t, history.REMOTE, res.Location)

	var left int
	require.NoError(t, res.Decode(&left))
	assert.Equal(t, 1, left)
	assert.Equal(t, dropLocally(t, "a"), b)
	assert.Nil(t, b.Tags)
}

func TestUndecodableStateRunsLocallyOnUntouchedReceiver(t *testing.T) {
	conn := &fakeConn{connected: true, offload: func(req *protocol.OffloadRequest) (*protocol.ResultEnvelope, error) {
		res, _ := protocol.SuccessResult(0)
		return &protocol.ResultEnvelope{
			ObjectState: json.RawMessage(`{"type":"test.Bag","state":{"items":{},"tags":7}}`),
			Result:      res,
		}, nil
	}}
	d, store := startDispatcher(t, decision.REMOTE, conn)

	b := newBag()
	res := d.Execute(context.Background(), dropCall(t, b, "a"))
	require.NoError(t, res.Err)
	assert.Equal(t, history.LOCAL, res.Location)
	assert.Equal(t, dropLocally(t, "a"), b)
	assert.Equal(t, 1, store.CountFor("demo", "Drop", history.LOCAL))
}

func TestTransportFailureMatchesLocalState(t *testing.T) {
	conn := &fakeConn{connected: true, offload: func(req *protocol.OffloadRequest) (*protocol.ResultEnvelope, error) {
		return nil, errors.New("connection reset")
	}}
	d, store := startDispatcher(t, decision.REMOTE, conn)

	b := newBag()
	res := d.Execute(context.Background(), dropCall(t, b, "a"))
	require.NoError(t, res.Err)
	assert.Equal(t, history.LOCAL, res.Location)
	assert.Equal(t, dropLocally(t, "a"), b)

	c := &counter{Total: 3}
	res = d.Execute(context.Background(), addCall(t, c, 4))
	require.NoError(t, res.Err)
	assert.Equal(t, history.LOCAL, res.Location)
	assert.Equal(t, counter{Total: 7}, *c)

	assert.Equal(t, 2, conn.requests)
	assert.Equal(t, 0, store.CountFor("demo", "Drop", history.REMOTE))
}

func TestRemoteFailureFallsBackLocally(t *testing.T) {
	conn := &fakeConn{connected: true, offload: func(req *protocol.OffloadRequest) (*protocol.ResultEnvelope, error) {
		return &protocol.ResultEnvelope{
			Result:                protocol.FailureResult(protocol.KindException, "boom"),
			PureExecutionDuration: -1,
		}, nil
	}}
	d, store := startDispatcher(t, decision.REMOTE, conn)

	remote := &counter{Total: 3}
	local := &counter{Total: 3}
	res := d.Execute(context.Background(), addCall(t, remote, 4))
	require.NoError(t, res.Err)
	method, err := testRegistry(t).Lookup("test.Counter", "Add", []string{"int"})
	require.NoError(t, err)
	args, _ := registry.NewArgs(4)
	_, err = method.Call(nil, local, args)
	require.NoError(t, err)

	assert.Equal(t, history.LOCAL, res.Location)
	assert.Equal(t, *local, *remote)
	assert.Equal(t, 1, conn.requests)
	assert.Equal(t, 1, store.CountFor("demo", "Add", history.LOCAL))
	assert.Equal(t, 0, store.CountFor("demo", "Add", history.REMOTE))
}

func TestDisconnectedRunsLocally(t *testing.T) {
	conn := &fakeConn{connected: false}
	d, _ := startDispatcher(t, decision.REMOTE, conn)

	res := d.Execute(context.Background(), addCall(t, &counter{}, 1))
	require.NoError(t, res.Err)
	assert.Equal(t, history.LOCAL, res.Location)
	assert.Equal(t, 0, conn.requests)
}

func TestUnknownMethodIsSurfaced(t *testing.T) {
	d, store := startDispatcher(t, decision.LOCAL, nil)

	call, err := NewCall(&counter{}, "Sub", []string{"int"}, 1)
	require.NoError(t, err)
	res := d.Execute(context.Background(), call)
	assert.ErrorIs(t, res.Err, registry.ErrMethodNotFound)
	assert.Equal(t, 0, store.Len())
}

func TestLifecycleErrors(t *testing.T) {
	store := history.NewStore()
	d := New(Config{AppName: "demo"}, testRegistry(t), decision.NewPolicy(decision.LOCAL, store), store, nil, goodNetwork)

	_, err := d.Submit(context.Background(), addCall(t, &counter{}, 1))
	assert.ErrorIs(t, err, ErrDispatcherNotStarted)

	require.NoError(t, d.Start())
	d.Stop()
	_, err = d.Submit(context.Background(), addCall(t, &counter{}, 1))
	assert.ErrorIs(t, err, ErrDispatcherClosed)

	_, err = NewCall(&counter{}, "Add", []string{"int", "int"}, 1)
	assert.Error(t, err)
}
