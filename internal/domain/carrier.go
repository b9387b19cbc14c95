package domain

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// CarrierCredentials is implemented by one struct per provider. Each
// provider defines a disjoint required-field set; Validate enforces it.
// Adding a provider means adding a struct here and registering its key in
// decodeCredentials; consumers never switch on the concrete type.
type CarrierCredentials interface {
	ProviderKey() string
	Validate() error
}

// SteadfastCredentials: API key/secret scheme.
type SteadfastCredentials struct {
	BaseURL   string `json:"base_url"`
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
}

func (c SteadfastCredentials) ProviderKey() string { return "steadfast" }

func (c SteadfastCredentials) Validate() error {
	return checkRequired(c.ProviderKey(), map[string]string{
		"base_url":   c.BaseURL,
		"api_key":    c.APIKey,
		"secret_key": c.SecretKey,
	})
}

// RedXCredentials: store-scoped OAuth-ish scheme with an account login.
type RedXCredentials struct {
	BaseURL      string `json:"base_url"`
	StoreID      string `json:"store_id"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Email        string `json:"email"`
	Password     string `json:"password"`
}

func (c RedXCredentials) ProviderKey() string { return "redx" }

func (c RedXCredentials) Validate() error {
	return checkRequired(c.ProviderKey(), map[string]string{
		"base_url":      c.BaseURL,
		"store_id":      c.StoreID,
		"client_id":     c.ClientID,
		"client_secret": c.ClientSecret,
		"email":         c.Email,
		"password":      c.Password,
	})
}

// PathaoCredentials: store-scoped client credential scheme.
type PathaoCredentials struct {
	BaseURL      string `json:"base_url"`
	StoreID      string `json:"store_id"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

func (c PathaoCredentials) ProviderKey() string { return "pathao" }

func (c PathaoCredentials) Validate() error {
	return checkRequired(c.ProviderKey(), map[string]string{
		"base_url":      c.BaseURL,
		"store_id":      c.StoreID,
		"client_id":     c.ClientID,
		"client_secret": c.ClientSecret,
	})
}

// PaperflyCredentials: basic-auth scheme with a customer id.
type PaperflyCredentials struct {
	BaseURL    string `json:"base_url"`
	Username   string `json:"username"`
	Password   string `json:"password"`
	CustomerID string `json:"customer_id"`
}

func (c PaperflyCredentials) ProviderKey() string { return "paperfly" }

func (c PaperflyCredentials) Validate() error {
	return checkRequired(c.ProviderKey(), map[string]string{
		"base_url":    c.BaseURL,
		"username":    c.Username,
		"password":    c.Password,
		"customer_id": c.CustomerID,
	})
}

func checkRequired(provider string, fields map[string]string) error {
	for name, value := range fields {
		if value == "" {
			return fmt.Errorf("%s credentials: %s is required", provider, name)
		}
		if name == "base_url" {
			u, err := url.Parse(value)
			if err != nil || !u.IsAbs() || u.Host == "" {
				return fmt.Errorf("%s credentials: base_url %q is not an absolute URL", provider, value)
			}
		}
	}
	return nil
}

// Carrier is a registry entry for one configured shipping provider.
// Connected means the last credential handshake succeeded; only connected
// carriers are usable for automatic dispatch. Active gates selection
// entirely, manual mode included.
type Carrier struct {
	Key         string
	DisplayName string
	Credentials CarrierCredentials
	Active      bool
	Connected   bool
}

// credentialEnvelope is the shared wire shape for keyed credential
// records; carriers and payment gateways both round-trip through it.
type credentialEnvelope struct {
	Key         string          `json:"key"`
	DisplayName string          `json:"display_name"`
	Credentials json.RawMessage `json:"credentials"`
	Active      bool            `json:"active"`
	Connected   bool            `json:"connected,omitempty"`
}

func (c Carrier) MarshalJSON() ([]byte, error) {
	var creds json.RawMessage
	if c.Credentials != nil {
		data, err := json.Marshal(c.Credentials)
		if err != nil {
			return nil, err
		}
		creds = data
	}
	return json.Marshal(credentialEnvelope{
		Key:         c.Key,
		DisplayName: c.DisplayName,
		Credentials: creds,
		Active:      c.Active,
		Connected:   c.Connected,
	})
}

func (c *Carrier) UnmarshalJSON(data []byte) error {
	var env credentialEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	c.Key = env.Key
	c.DisplayName = env.DisplayName
	c.Active = env.Active
	c.Connected = env.Connected
	if len(env.Credentials) == 0 {
		c.Credentials = nil
		return nil
	}
	creds, err := decodeCredentials(env.Key, env.Credentials)
	if err != nil {
		return err
	}
	c.Credentials = creds
	return nil
}

func decodeCredentials(key string, data json.RawMessage) (CarrierCredentials, error) {
	switch key {
	case "steadfast":
		var c SteadfastCredentials
		err := json.Unmarshal(data, &c)
		return c, err
	case "redx":
		var c RedXCredentials
		err := json.Unmarshal(data, &c)
		return c, err
	case "pathao":
		var c PathaoCredentials
		err := json.Unmarshal(data, &c)
		return c, err
	case "paperfly":
		var c PaperflyCredentials
		err := json.Unmarshal(data, &c)
		return c, err
	default:
		return nil, fmt.Errorf("unknown carrier key %q", key)
	}
}
