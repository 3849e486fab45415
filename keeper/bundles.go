package keeper

import "encoding/json"

// Record keys in the secure store
const (
	RecordDeviceBundle     = "coresdk.data.dk"
	RecordSessionBundle    = "coresdk.data.ek"
	RecordVendorIdentifier = "coresdk.data.vendor"
	RecordEnvironment      = "coresdk.data.env"
)

// LockStatus is the lifecycle state of the local user
type LockStatus int

const (
	Unregistered LockStatus = iota
	Locked
	Unlocked
)

func (s LockStatus) String() string {
	switch s {
	case Locked:
		return "locked"
	case Unlocked:
		return "unlocked"
	default:
		return "unregistered"
	}
}

// LockType is how the user unlocks
type LockType string

const (
	LockTypePassword LockType = "password"
	LockTypeNoAuth   LockType = "noAuth"
)

// Valid reports whether t is a known lock type
func (t LockType) Valid() bool {
	return t == LockTypePassword || t == LockTypeNoAuth
}

// DeviceBundle is the device-identity record. It is readable whenever the
// store is, since it is encrypted under the vendor identifier rather than
// the user's password
type DeviceBundle struct {
	ClientID           string   `json:"clientId,omitempty"`
	DeviceFingerprint  string   `json:"deviceFingerprint,omitempty"`
	OneTimePasswordKey string   `json:"oneTimePasswordKey,omitempty"`
	LockType           LockType `json:"lockType,omitempty"`
	TouchToken         string   `json:"touchToken,omitempty"`
	OAuth2Code         string   `json:"oauth2Code,omitempty"`
	NoAuthPassword     string   `json:"noAuthPassword,omitempty"`
}

// Registered reports whether the bundle identifies a registered device
func (b *DeviceBundle) Registered() bool {
	return b != nil && b.ClientID != "" && b.DeviceFingerprint != ""
}

// SessionBundle holds the OAuth2 session. It is encrypted under the key
// derived from the user's password and only readable while unlocked
type SessionBundle struct {
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`

	// AccessTokenExpiration is in epoch milliseconds
	AccessTokenExpiration int64  `json:"accessTokenExpiration,omitempty"`
	TokenType             string `json:"tokenType,omitempty"`
	RemainingAttempts     int    `json:"remainingAttempts,omitempty"`
}

func cloneDevice(b *DeviceBundle) *DeviceBundle {
	if b == nil {
		return nil
	}
	c := *b
	return &c
}

func cloneSession(b *SessionBundle) *SessionBundle {
	if b == nil {
		return nil
	}
	c := *b
	return &c
}

func marshalBundle(v any) ([]byte, error) {
	return json.Marshal(v)
}
