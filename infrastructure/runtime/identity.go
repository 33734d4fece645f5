package runtime

import (
	"os"
	"strings"
	"sync"
)

var (
	strictIdentityModeOnce  sync.Once
	strictIdentityModeValue bool
)

// ResetStrictIdentityModeCache resets the cached strict identity mode
// value. Only used in tests.
func ResetStrictIdentityModeCache() {
	strictIdentityModeOnce = sync.Once{}
	strictIdentityModeValue = false
}

// StrictIdentityMode returns true when the service should fail closed on
// identity/security boundaries — trusting only identity headers set by a
// gateway terminating verified mTLS, never a client-supplied header. A
// mis-set ENGINE_ENV cannot silently weaken this: a configured mTLS
// client certificate trio also forces strict mode regardless of env.
func StrictIdentityMode() bool {
	strictIdentityModeOnce.Do(func() {
		env := Env()
		hasMTLS := strings.TrimSpace(os.Getenv("ENGINE_MTLS_CERT")) != "" &&
			strings.TrimSpace(os.Getenv("ENGINE_MTLS_KEY")) != "" &&
			strings.TrimSpace(os.Getenv("ENGINE_MTLS_ROOT_CA")) != ""
		strictIdentityModeValue = env == Production || hasMTLS
	})
	return strictIdentityModeValue
}
