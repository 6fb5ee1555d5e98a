package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/atmx/autotrader/internal/broker"
	"github.com/atmx/autotrader/internal/secret"
	"github.com/atmx/autotrader/internal/store"
)

// Vault stores venue credentials sealed with a secret.Box.
type Vault struct {
	store store.Store
	box   *secret.Box
}

// NewVault creates a vault over st.
func NewVault(st store.Store, box *secret.Box) *Vault {
	return &Vault{store: st, box: box}
}

// Put seals and stores the tenant's credentials for venue.
func (v *Vault) Put(ctx context.Context, tenantID, venue string, creds broker.Credentials) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	sealed, err := v.box.Seal(string(data))
	if err != nil {
		return err
	}
	return v.store.SetCredential(ctx, tenantID, venue, sealed)
}

// Get returns the tenant's credentials for venue. Missing credentials are
// empty, not an error; venues decide whether they need them.
func (v *Vault) Get(ctx context.Context, tenantID, venue string) (broker.Credentials, error) {
	var creds broker.Credentials
	sealed, err := v.store.GetCredential(ctx, tenantID, venue)
	if errors.Is(err, store.ErrNotFound) {
		return creds, nil
	}
	if err != nil {
		return creds, err
	}
	plain, err := v.box.Open(sealed)
	if err != nil {
		return creds, fmt.Errorf("credentials %s/%s: %w", tenantID, venue, err)
	}
	if err := json.Unmarshal([]byte(plain), &creds); err != nil {
		return creds, fmt.Errorf("credentials %s/%s: %w", tenantID, venue, err)
	}
	return creds, nil
}
