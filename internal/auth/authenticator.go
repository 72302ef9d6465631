package auth

import (
	"crypto/subtle"
	"errors"

	"google.golang.org/grpc/metadata"
)

// Metadata keys sent by gateways. gRPC lowercases header names.
const (
	HeaderAPIKey   = "x-api-key"
	HeaderDeviceID = "x-device-id"
)

const (
	ReasonUnknownDevice      = "Unknown device credentials"
	ReasonIdentityMismatch   = "Device identity mismatch"
	ReasonInvalidCredentials = "Invalid gateway credentials"
)

// ErrUnauthenticated matches every *Error via errors.Is.
var ErrUnauthenticated = errors.New("unauthenticated")

// Error is an authentication failure. Reason is safe to return to the caller.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return e.Reason }

func (e *Error) Is(target error) bool { return target == ErrUnauthenticated }

// Authenticator checks a gateway's claimed device identity and shared
// secret against the call metadata. The credential table is immutable after
// construction, so one Authenticator serves all streams without locking.
type Authenticator struct {
	enforce bool
	creds   Credentials
}

func New(enforce bool, creds Credentials) *Authenticator {
	return &Authenticator{enforce: enforce, creds: creds.clone()}
}

// Enforcing reports whether credentials are checked at all.
func (a *Authenticator) Enforcing() bool { return a.enforce }

// Authenticate validates deviceID against md. With enforcement disabled it
// always succeeds.
func (a *Authenticator) Authenticate(md metadata.MD, deviceID string) error {
	if !a.enforce {
		return nil
	}

	secret, ok := a.creds[deviceID]
	if !ok {
		return &Error{Reason: ReasonUnknownDevice}
	}

	if claimed := first(md, HeaderDeviceID); claimed != "" && claimed != deviceID {
		return &Error{Reason: ReasonIdentityMismatch}
	}

	presented := first(md, HeaderAPIKey)
	if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
		return &Error{Reason: ReasonInvalidCredentials}
	}
	return nil
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
