package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/buger/jsonparser"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/serverledge-faas/offloadge/internal/protocol"
)

var ErrMethodNotFound = errors.New("method not registered")
var ErrUnknownType = errors.New("receiver type not registered")
var ErrDuplicateMethod = errors.New("method already registered")
var ErrNotRemoteable = errors.New("receiver does not implement Remoteable")

// ErrUnsatisfiedLink is returned by invokers whose native dependencies are not loaded yet.
var ErrUnsatisfiedLink = errors.New("unsatisfied native link")

// Remoteable is implemented by every receiver whose methods can be offloaded.
type Remoteable interface {
	TypeID() string
}

// ClientPreparer is called on the client before the receiver state is serialized.
type ClientPreparer interface {
	PrepareDataOnClient()
}

// ServerPreparer is called on the clone after the receiver has been decoded.
type ServerPreparer interface {
	PrepareDataOnServer(ctx *ExecContext)
}

// LibraryLoader loads the ordered native libraries shipped with the app.
type LibraryLoader interface {
	LoadLibraries(paths []string) error
}

// Invoker runs one registered method on a receiver.
type Invoker func(ctx *ExecContext, receiver any, args Args) (any, error)

// Key identifies a method by receiver type, name and parameter signature.
type Key struct {
	TypeID    string
	Method    string
	Signature string
}

func (k Key) String() string {
	return fmt.Sprintf("%s.%s(%s)", k.TypeID, k.Method, k.Signature)
}

type Method struct {
	Key
	ParamTypes []string
	ReturnType string
	invoke     Invoker
}

// Registry maps receiver types and method keys to constructors and invokers.
type Registry struct {
	mu      sync.RWMutex
	types   map[string]func() any
	methods map[Key]*Method
}

func New() *Registry {
	return &Registry{
		types:   make(map[string]func() any),
		methods: make(map[Key]*Method),
	}
}

// Signature joins parameter type names the way keys store them.
func Signature(paramTypes []string) string {
	return strings.Join(paramTypes, ",")
}

// ReducerName is the method invoked to merge the per-helper results of method.
func ReducerName(method string) string {
	return method + "Reduce"
}

func (r *Registry) RegisterType(typeID string, constructor func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[typeID] = constructor
}

func (r *Registry) Register(typeID string, method string, paramTypes []string, returnType string, invoke Invoker) error {
	key := Key{TypeID: typeID, Method: method, Signature: Signature(paramTypes)}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.methods[key]; found {
		return fmt.Errorf("%w: %v", ErrDuplicateMethod, key)
	}
	r.methods[key] = &Method{
		Key:        key,
		ParamTypes: slices.Clone(paramTypes),
		ReturnType: returnType,
		invoke:     invoke,
	}
	return nil
}

// RegisterReducer registers method+"Reduce" taking the slot-indexed results of method.
func (r *Registry) RegisterReducer(typeID string, method string, returnType string, invoke Invoker) error {
	return r.Register(typeID, ReducerName(method), []string{"[]" + returnType}, returnType, invoke)
}

func (r *Registry) Lookup(typeID string, method string, paramTypes []string) (*Method, error) {
	key := Key{TypeID: typeID, Method: method, Signature: Signature(paramTypes)}

	r.mu.RLock()
	defer r.mu.RUnlock()
	m, found := r.methods[key]
	if !found {
		return nil, fmt.Errorf("%w: %v", ErrMethodNotFound, key)
	}
	return m, nil
}

// Reducer returns the reducer of m, if one is registered.
func (r *Registry) Reducer(m *Method) (*Method, bool) {
	reducer, err := r.Lookup(m.TypeID, ReducerName(m.Method), []string{"[]" + m.ReturnType})
	return reducer, err == nil
}

func (r *Registry) NewReceiver(typeID string) (any, error) {
	r.mu.RLock()
	constructor, found := r.types[typeID]
	r.mu.RUnlock()
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typeID)
	}
	return constructor(), nil
}

// EncodeReceiver serializes a Remoteable receiver as {"type": ..., "state": ...}.
func EncodeReceiver(receiver any) (json.RawMessage, error) {
	typeID, err := TypeOf(receiver)
	if err != nil {
		return nil, err
	}
	return protocol.EncodeReceiver(typeID, receiver)
}

// DecodeReceiver builds a fresh receiver from its serialized form.
func (r *Registry) DecodeReceiver(raw []byte) (any, string, error) {
	typeID, err := jsonparser.GetString(raw, "type")
	if err != nil {
		return nil, "", fmt.Errorf("receiver type missing: %w", err)
	}
	receiver, err := r.NewReceiver(typeID)
	if err != nil {
		return nil, typeID, err
	}
	if err := ApplyState(receiver, raw); err != nil {
		return nil, typeID, err
	}
	return receiver, typeID, nil
}

// ApplyState copies the "state" field of a serialized receiver onto receiver,
// which must be a pointer.
func ApplyState(receiver any, raw []byte) error {
	state, dataType, _, err := jsonparser.Get(raw, "state")
	if err != nil {
		return fmt.Errorf("receiver state missing: %w", err)
	}
	if dataType == jsonparser.Null {
		return nil
	}
	if dataType == jsonparser.String {
		// jsonparser strips the quotes of string values
		quoted, _ := json.Marshal(string(state))
		state = quoted
	}
	return json.Unmarshal(state, receiver)
}

// ReplaceState overwrites receiver, a non-nil pointer, with the state of a
// serialized receiver. The state is decoded into a fresh value first: fields
// and map entries absent from raw do not survive, and receiver is left
// untouched when decoding fails.
func (r *Registry) ReplaceState(receiver any, raw []byte) error {
	target := reflect.ValueOf(receiver)
	if target.Kind() != reflect.Pointer || target.IsNil() {
		return fmt.Errorf("cannot replace the state of %T", receiver)
	}

	fresh := r.freshLike(receiver)
	if err := ApplyState(fresh, raw); err != nil {
		return err
	}
	target.Elem().Set(reflect.ValueOf(fresh).Elem())
	return nil
}

// freshLike builds a receiver of the same type with the registered
// constructor, or a zero value when the type is not registered.
func (r *Registry) freshLike(receiver any) any {
	if typeID, err := TypeOf(receiver); err == nil {
		if fresh, err := r.NewReceiver(typeID); err == nil && reflect.TypeOf(fresh) == reflect.TypeOf(receiver) {
			return fresh
		}
	}
	return reflect.New(reflect.TypeOf(receiver).Elem()).Interface()
}

func TypeOf(receiver any) (string, error) {
	remoteable, ok := receiver.(Remoteable)
	if !ok {
		return "", fmt.Errorf("%w: %T", ErrNotRemoteable, receiver)
	}
	return remoteable.TypeID(), nil
}

// Methods lists the registered keys in a stable order.
func (r *Registry) Methods() []Key {
	r.mu.RLock()
	keys := maps.Keys(r.methods)
	r.mu.RUnlock()

	slices.SortFunc(keys, func(a, b Key) int {
		return strings.Compare(a.String(), b.String())
	})
	return keys
}

// PanicErr wraps a panic raised by an invoked method.
type PanicErr struct {
	Value any
}

func (p *PanicErr) Error() string {
	return fmt.Sprintf("method panicked: %v", p.Value)
}

// Call invokes m, converting panics into *PanicErr.
func (m *Method) Call(ctx *ExecContext, receiver any, args Args) (result any, err error) {
	if ctx == nil {
		ctx = LocalContext()
	}
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &PanicErr{Value: r}
		}
	}()
	return m.invoke(ctx, receiver, args)
}
