package dstc

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Phase is the lifecycle phase of a Registry.
type Phase uint8

const (
	PhaseOpen   Phase = iota // registrations accepted
	PhaseFrozen              // tables immutable, dispatch enabled
)

func (p Phase) String() string {
	if p == PhaseFrozen {
		return "frozen"
	}
	return "open"
}

// Role tells whether a function is served locally or called remotely.
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// ServerFunc handles a call to a registered server function. name is the
// function name the caller used, so one handler can serve several names.
type ServerFunc func(name string, args []any) error

// FunctionRegistration is one entry of the client or server table.
type FunctionRegistration struct {
	Name    string
	Role    Role
	Format  *Format
	handler ServerFunc
}

// RegistryConfig holds configuration for creating a Registry
type RegistryConfig struct {
	Transport Transport
	Logger    *slog.Logger
	Metrics   *Metrics

	// NodeID scopes callback identities to this node. When zero it is taken
	// from the transport if the transport reports one.
	NodeID uint32
}

// nodeIdentifier is implemented by transports bound to a bus node.
type nodeIdentifier interface {
	NodeID() uint32
}

// Registry owns the function tables, the callback registry and the dispatch
// router for one process (or one test). Tables are mutable until Activate
// and read-only afterwards.
type Registry struct {
	mu          sync.RWMutex
	phase       Phase
	servers     map[string]*FunctionRegistration
	clients     map[string]*FunctionRegistration
	middlewares []Middleware
	handler     DispatchFunc

	callbacks *CallbackRegistry
	transport Transport
	logger    *slog.Logger
	metrics   *Metrics
	state     atomic.Uint32
}

// NewRegistry creates an open registry bound to the configured transport.
// Transport may be nil for registries that only encode and decode.
func NewRegistry(config RegistryConfig) *Registry {
	if config.Logger == nil {
		config.Logger = discardLogger()
	}
	if config.Metrics == nil {
		config.Metrics = NewMetrics(0)
	}
	if config.NodeID == 0 {
		if n, ok := config.Transport.(nodeIdentifier); ok {
			config.NodeID = n.NodeID()
		}
	}

	return &Registry{
		servers:   make(map[string]*FunctionRegistration),
		clients:   make(map[string]*FunctionRegistration),
		callbacks: NewNodeCallbackRegistry(config.NodeID),
		transport: config.Transport,
		logger:    config.Logger,
		metrics:   config.Metrics,
	}
}

// Phase returns the current lifecycle phase.
func (r *Registry) Phase() Phase {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.phase
}

// Callbacks returns the registry's callback table.
func (r *Registry) Callbacks() *CallbackRegistry {
	return r.callbacks
}

// Metrics returns the dispatch metrics collector.
func (r *Registry) Metrics() *Metrics {
	return r.metrics
}

// Snapshot returns the current metrics, including pending callbacks.
func (r *Registry) Snapshot() MetricsSnapshot {
	snapshot := r.metrics.Snapshot()
	snapshot.CallbacksPending = r.callbacks.Pending()
	return snapshot
}

// RegisterServerFunction registers fn to serve calls to name. Registering an
// existing name replaces it.
func (r *Registry) RegisterServerFunction(name, format string, fn ServerFunc) error {
	if fn == nil {
		return fmt.Errorf("server function %q has no handler", name)
	}
	f, err := ParseFormat(format)
	if err != nil {
		return err
	}
	return r.insert(r.servers, &FunctionRegistration{Name: name, Role: RoleServer, Format: f, handler: fn})
}

// RegisterClientFunction registers name as a remote function and returns a
// callable bound to it.
func (r *Registry) RegisterClientFunction(name, format string) (*ClientFunction, error) {
	f, err := ParseFormat(format)
	if err != nil {
		return nil, err
	}
	reg := &FunctionRegistration{Name: name, Role: RoleClient, Format: f}
	if err := r.insert(r.clients, reg); err != nil {
		return nil, err
	}
	return &ClientFunction{registration: reg, registry: r}, nil
}

func (r *Registry) insert(table map[string]*FunctionRegistration, reg *FunctionRegistration) error {
	if reg.Name == "" {
		return fmt.Errorf("%s function name is empty", reg.Role)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase == PhaseFrozen {
		return fmt.Errorf("%w: %s function %q", ErrRegistrationAfterActivation, reg.Role, reg.Name)
	}
	table[reg.Name] = reg
	return nil
}

// Use appends dispatch middleware. Middleware runs in the order added.
func (r *Registry) Use(mw ...Middleware) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase == PhaseFrozen {
		return fmt.Errorf("%w: middleware", ErrRegistrationAfterActivation)
	}
	r.middlewares = append(r.middlewares, mw...)
	return nil
}

// Activate freezes the registration tables, builds the dispatch chain,
// installs the delivery hook and announces the server functions. Calling it
// again is a no-op.
func (r *Registry) Activate() error {
	r.mu.Lock()
	if r.phase == PhaseFrozen {
		r.mu.Unlock()
		return nil
	}
	r.phase = PhaseFrozen
	r.handler = Chain(r.middlewares...)(r.route)
	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	r.mu.Unlock()

	sort.Strings(names)
	r.logger.Debug("Registry activated", "server_functions", names, "client_functions", len(r.clients))

	if r.transport == nil {
		return nil
	}
	r.transport.SetDeliveryHook(r.Deliver)
	if announcer, ok := r.transport.(Announcer); ok {
		if err := announcer.Announce(names); err != nil {
			return fmt.Errorf("announce server functions: %w", err)
		}
	}
	return nil
}

// ServerFunctions returns the names of the registered server functions.
func (r *Registry) ServerFunctions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the registration for name in the table of the given role.
func (r *Registry) Lookup(role Role, name string) (*FunctionRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	table := r.clients
	if role == RoleServer {
		table = r.servers
	}
	reg, ok := table[name]
	return reg, ok
}

// Encode packs args with f, minting callback identities in this registry.
func (r *Registry) Encode(f *Format, args ...any) ([]byte, error) {
	payload, minted, err := encodeArgs(f, args, r.callbacks)
	if err != nil {
		return nil, err
	}
	r.metrics.RecordCallbacksMinted(len(minted))
	return payload, nil
}

// Decode unpacks payload with f. Callback fields become handles that deliver
// through this registry's transport.
func (r *Registry) Decode(f *Format, payload []byte) ([]any, error) {
	return decodeArgs(f, payload, r.bindRemote)
}

func (r *Registry) bindRemote(ref uint64) *RemoteCallback {
	return &RemoteCallback{ref: ref, transport: r.transport}
}

// CancelCallback drops a pending local callback so a late delivery for it
// is rejected. It reports whether ref was pending.
func (r *Registry) CancelCallback(ref uint64) bool {
	if !r.callbacks.Cancel(ref) {
		return false
	}
	r.metrics.RecordCallbackCancelled()
	return true
}

// RemoteFunctionAvailable reports whether a peer has announced the function
// cf is bound to. Callers poll it while pumping events before the first call.
func (r *Registry) RemoteFunctionAvailable(cf *ClientFunction) bool {
	if cf == nil {
		return false
	}
	return r.RemoteFunctionAvailableByName(cf.Name())
}

// RemoteFunctionAvailableByName is RemoteFunctionAvailable for a bare name.
func (r *Registry) RemoteFunctionAvailableByName(name string) bool {
	if r.transport == nil {
		return false
	}
	return r.transport.IsRemoteFunctionAnnounced(name)
}

// ProcessEvents pumps the transport. Inbound messages are dispatched on the
// calling goroutine before it returns.
func (r *Registry) ProcessEvents(timeout time.Duration) error {
	if r.transport == nil {
		return &TransportError{Err: errNoTransport}
	}
	return r.transport.PumpEvents(timeout)
}

// ClientFunction is the callable returned by RegisterClientFunction.
type ClientFunction struct {
	registration *FunctionRegistration
	registry     *Registry
}

// Name returns the remote function name.
func (cf *ClientFunction) Name() string {
	return cf.registration.Name
}

// Format returns the argument format.
func (cf *ClientFunction) Format() *Format {
	return cf.registration.Format
}

// Call encodes args and queues the call with the transport. Callbacks minted
// for this call are cancelled if the transport refuses it.
func (cf *ClientFunction) Call(args ...any) error {
	r := cf.registry
	name := cf.registration.Name

	payload, minted, err := encodeArgs(cf.registration.Format, args, r.callbacks)
	if err != nil {
		return fmt.Errorf("call %s: %w", name, err)
	}

	queueErr := errNoTransport
	if r.transport != nil {
		queueErr = r.transport.QueueCall(name, payload)
	}
	if queueErr != nil {
		for _, ref := range minted {
			r.callbacks.Cancel(ref)
		}
		return &TransportError{Function: name, Err: queueErr}
	}

	r.metrics.RecordCallbacksMinted(len(minted))
	return nil
}
