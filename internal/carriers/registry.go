package carriers

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/shopfront-labs/fulfillment/internal/domain"
)

// Registry holds the configured carriers. It is read-mostly: the dispatch
// core only reads it, administrators write through Upsert. Credentials are
// validated on write, never checked for reachability here.
type Registry struct {
	mu       sync.RWMutex
	carriers map[string]domain.Carrier

	// gateways are seeded at startup and never mutated afterwards; the
	// service lists them, it does not transact through them.
	gateways map[string]domain.PaymentGateway
}

func NewRegistry() *Registry {
	return &Registry{
		carriers: make(map[string]domain.Carrier),
		gateways: make(map[string]domain.PaymentGateway),
	}
}

// NewRegistryFromFile seeds a registry from a JSON array of carriers.
func NewRegistryFromFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read carriers file: %w", err)
	}
	var carriers []domain.Carrier
	if err := json.Unmarshal(data, &carriers); err != nil {
		return nil, fmt.Errorf("parse carriers file: %w", err)
	}
	r := NewRegistry()
	for _, c := range carriers {
		if err := r.Upsert(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Upsert(c domain.Carrier) error {
	if c.Key == "" {
		return fmt.Errorf("carrier key is required")
	}
	if c.Credentials != nil {
		if c.Credentials.ProviderKey() != c.Key {
			return fmt.Errorf("carrier %q carries credentials for %q", c.Key, c.Credentials.ProviderKey())
		}
		if err := c.Credentials.Validate(); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.carriers[c.Key] = c
	r.mu.Unlock()
	return nil
}

func (r *Registry) Get(key string) (domain.Carrier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.carriers[key]
	if !ok {
		return domain.Carrier{}, domain.Errorf(domain.KindUnknownCarrier, "carrier %q is not configured", key)
	}
	return c, nil
}

// ListAll returns every active carrier, connected or not. Manual-mode
// selection uses this list.
func (r *Registry) ListAll() []domain.Carrier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Carrier, 0, len(r.carriers))
	for _, c := range r.carriers {
		if c.Active {
			out = append(out, c)
		}
	}
	sortCarriers(out)
	return out
}

// ListConnected returns carriers usable for automatic dispatch.
func (r *Registry) ListConnected() []domain.Carrier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Carrier
	for _, c := range r.carriers {
		if c.Active && c.Connected {
			out = append(out, c)
		}
	}
	sortCarriers(out)
	return out
}

func sortCarriers(cs []domain.Carrier) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].Key < cs[j].Key })
}

// SeedGateways loads the payment gateway entries. Credentials are
// validated the same way carrier credentials are on Upsert.
func (r *Registry) SeedGateways(gs []domain.PaymentGateway) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range gs {
		if g.Key == "" {
			return fmt.Errorf("gateway key is required")
		}
		if g.Credentials != nil {
			if g.Credentials.GatewayKey() != g.Key {
				return fmt.Errorf("gateway %q carries credentials for %q", g.Key, g.Credentials.GatewayKey())
			}
			if err := g.Credentials.Validate(); err != nil {
				return err
			}
		}
		r.gateways[g.Key] = g
	}
	return nil
}

// SeedGatewaysFromFile seeds gateways from a JSON array.
func (r *Registry) SeedGatewaysFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read gateways file: %w", err)
	}
	var gateways []domain.PaymentGateway
	if err := json.Unmarshal(data, &gateways); err != nil {
		return fmt.Errorf("parse gateways file: %w", err)
	}
	return r.SeedGateways(gateways)
}

// ListGateways returns the active payment gateways sorted by key.
func (r *Registry) ListGateways() []domain.PaymentGateway {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.PaymentGateway, 0, len(r.gateways))
	for _, g := range r.gateways {
		if g.Active {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
