package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/GOSC-CNIC/vms/dao/model"
	"github.com/GOSC-CNIC/vms/pkg/secret"
)

// Adapter is the single interface the broker core uses to talk to a
// backend cloud. Every call takes a context; failures come back as
// plain errors and are wrapped by the caller.
type Adapter interface {
	ServerCreate(ctx context.Context, in *ServerCreateInput) (*ServerCreateOutput, error)
	ServerDelete(ctx context.Context, in *ServerDeleteInput) error
	ServerDetail(ctx context.Context, in *ServerDetailInput) (*ServerDetailOutput, error)
	ServerAction(ctx context.Context, in *ServerActionInput) error
	ServerStatus(ctx context.Context, in *ServerStatusInput) (*ServerStatusOutput, error)
	NetworkDetail(ctx context.Context, in *NetworkDetailInput) (*NetworkDetailOutput, error)
	ListImages(ctx context.Context, in *ListImagesInput) (*ListImagesOutput, error)
	ListNetworks(ctx context.Context, in *ListNetworksInput) (*ListNetworksOutput, error)
	GetVPN(ctx context.Context, in *VPNInput) (*VPNOutput, error)
	CreateVPN(ctx context.Context, in *VPNInput) (*VPNOutput, error)
}

// Factory builds an adapter for one service access configuration. The
// encryptor is passed in so factories can decrypt stored credentials
// without reaching for process globals.
type Factory func(service *model.ServiceConfig, enc *secret.Encryptor) (Adapter, error)

// Registry selects adapter implementations by service type. Selection
// is configuration, not inheritance: the service row says what kind of
// backend it is, the registry says how to build a client for it.
type Registry struct {
	mu        sync.RWMutex
	factories map[model.ServiceType]Factory
	enc       *secret.Encryptor
}

func NewRegistry(enc *secret.Encryptor) *Registry {
	return &Registry{
		factories: make(map[model.ServiceType]Factory),
		enc:       enc,
	}
}

func (r *Registry) Register(kind model.ServiceType, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Build returns an adapter for the given service. Unknown kinds are a
// configuration error, not a runtime race, so no retry is attempted.
func (r *Registry) Build(service *model.ServiceConfig) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[service.ServiceType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no adapter registered for service type %q", service.ServiceType)
	}
	return f(service, r.enc)
}

// SyncDetailCapable reports whether the kind answers a detail query
// immediately after create. EVCloud builds synchronously; the others
// need the async reconciler.
func SyncDetailCapable(kind model.ServiceType) bool {
	return kind == model.ServiceTypeEVCloud
}
