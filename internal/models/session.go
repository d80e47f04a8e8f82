package models

import "time"

// AuthState is the lifecycle state of a tenant's messaging session.
type AuthState string

const (
	AuthUninitialized AuthState = "UNINITIALIZED"
	AuthPairing       AuthState = "PAIRING"
	AuthReady         AuthState = "READY"
	AuthDisconnected  AuthState = "DISCONNECTED"
)

// MessagingSession is the persisted view of a tenant's messaging session.
type MessagingSession struct {
	TenantID             string    `json:"tenant_id"`
	AuthState            AuthState `json:"auth_state"`
	CredentialBlob       []byte    `json:"credential_blob,omitempty"`
	LastPairingChallenge string    `json:"last_pairing_challenge,omitempty"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// InitResult is the tagged result of initializing a tenant session:
// either Ready, or PairingRequired with the challenge to present.
type InitResult struct {
	Ready            bool   `json:"ready"`
	PairingChallenge string `json:"pairing_challenge,omitempty"`
}

// PairingRequired reports whether the caller must complete pairing.
func (r InitResult) PairingRequired() bool {
	return !r.Ready && r.PairingChallenge != ""
}
