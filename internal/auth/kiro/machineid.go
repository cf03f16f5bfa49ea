package kiro

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

var machineIDPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// MachineID picks the device fingerprint for one credential: the credential
// override when valid, then the global override, otherwise a stable value
// derived from the refresh token. The result is always 64 lowercase hex.
func MachineID(credentialOverride, globalOverride, refreshToken string) string {
	if machineIDPattern.MatchString(credentialOverride) {
		return credentialOverride
	}
	if machineIDPattern.MatchString(globalOverride) {
		return globalOverride
	}
	sum := sha256.Sum256([]byte(refreshToken))
	return hex.EncodeToString(sum[:])
}
