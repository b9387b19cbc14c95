package domain

import (
	"encoding/json"
	"fmt"
)

// GatewayCredentials is the payment-side counterpart of CarrierCredentials:
// one struct per gateway, validated when the registry is seeded. The
// fulfillment service never calls gateway APIs; entries exist for listing.
type GatewayCredentials interface {
	GatewayKey() string
	Validate() error
}

type BkashCredentials struct {
	BaseURL   string `json:"base_url"`
	AppKey    string `json:"app_key"`
	AppSecret string `json:"app_secret"`
	Username  string `json:"username"`
	Password  string `json:"password"`
}

func (c BkashCredentials) GatewayKey() string { return "bkash" }

func (c BkashCredentials) Validate() error {
	return checkRequired(c.GatewayKey(), map[string]string{
		"base_url":   c.BaseURL,
		"app_key":    c.AppKey,
		"app_secret": c.AppSecret,
		"username":   c.Username,
		"password":   c.Password,
	})
}

type NagadCredentials struct {
	BaseURL    string `json:"base_url"`
	MerchantID string `json:"merchant_id"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

func (c NagadCredentials) GatewayKey() string { return "nagad" }

func (c NagadCredentials) Validate() error {
	return checkRequired(c.GatewayKey(), map[string]string{
		"base_url":    c.BaseURL,
		"merchant_id": c.MerchantID,
		"public_key":  c.PublicKey,
		"private_key": c.PrivateKey,
	})
}

type SSLCommerzCredentials struct {
	BaseURL       string `json:"base_url"`
	StoreID       string `json:"store_id"`
	StorePassword string `json:"store_password"`
}

func (c SSLCommerzCredentials) GatewayKey() string { return "sslcommerz" }

func (c SSLCommerzCredentials) Validate() error {
	return checkRequired(c.GatewayKey(), map[string]string{
		"base_url":       c.BaseURL,
		"store_id":       c.StoreID,
		"store_password": c.StorePassword,
	})
}

// PaymentGateway is a read-only registry entry for one configured payment
// provider. There is no Connected flag: the service lists gateways, it
// does not talk to them.
type PaymentGateway struct {
	Key         string
	DisplayName string
	Credentials GatewayCredentials
	Active      bool
}

func (g PaymentGateway) MarshalJSON() ([]byte, error) {
	var creds json.RawMessage
	if g.Credentials != nil {
		data, err := json.Marshal(g.Credentials)
		if err != nil {
			return nil, err
		}
		creds = data
	}
	return json.Marshal(credentialEnvelope{
		Key:         g.Key,
		DisplayName: g.DisplayName,
		Credentials: creds,
		Active:      g.Active,
	})
}

func (g *PaymentGateway) UnmarshalJSON(data []byte) error {
	var env credentialEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	g.Key = env.Key
	g.DisplayName = env.DisplayName
	g.Active = env.Active
	if len(env.Credentials) == 0 {
		g.Credentials = nil
		return nil
	}
	creds, err := decodeGatewayCredentials(env.Key, env.Credentials)
	if err != nil {
		return err
	}
	g.Credentials = creds
	return nil
}

func decodeGatewayCredentials(key string, data json.RawMessage) (GatewayCredentials, error) {
	switch key {
	case "bkash":
		var c BkashCredentials
		err := json.Unmarshal(data, &c)
		return c, err
	case "nagad":
		var c NagadCredentials
		err := json.Unmarshal(data, &c)
		return c, err
	case "sslcommerz":
		var c SSLCommerzCredentials
		err := json.Unmarshal(data, &c)
		return c, err
	default:
		return nil, fmt.Errorf("unknown payment gateway key %q", key)
	}
}
