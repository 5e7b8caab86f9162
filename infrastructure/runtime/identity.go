// Package runtime provides environment/runtime detection helpers shared across the service layer.
package runtime

import "sync"

// strictIdentityModeOnce caches the strict identity mode check at startup.
var (
	strictIdentityModeOnce  sync.Once
	strictIdentityModeValue bool
)

// ResetStrictIdentityModeCache resets the cached strict identity mode value.
// This should only be used in tests.
func ResetStrictIdentityModeCache() {
	strictIdentityModeOnce = sync.Once{}
	strictIdentityModeValue = false
}

// StrictIdentityMode returns true when the service should fail closed on identity/security
// boundaries, such as requiring https base URLs for service-to-service calls.
//
// Production always runs strict; other environments can opt in with ORCH_STRICT_IDENTITY=1
// to exercise the same code paths outside production.
func StrictIdentityMode() bool {
	strictIdentityModeOnce.Do(func() {
		strictIdentityModeValue = Env() == Production || ResolveBool(false, "ORCH_STRICT_IDENTITY")
	})
	return strictIdentityModeValue
}
