// Package rherr defines the tagged error kinds used across the rhizome
// core: DHT, Storage, Network, Security, and Config failures.
package rherr

import "fmt"

// Family groups related error codes, mirroring the kind taxonomy.
type Family string

const (
	FamilyDHT     Family = "dht"
	FamilyStorage Family = "storage"
	FamilyNetwork Family = "network"
	FamilySecurity Family = "security"
	FamilyConfig  Family = "config"
)

// Codes within each family.
const (
	CodeNodeNotFound      = "NODE_NOT_FOUND"
	CodeValueNotFound     = "VALUE_NOT_FOUND"
	CodeDHTGeneral        = "DHT_GENERAL"

	CodeStorageFull       = "STORAGE_FULL"
	CodeReplicationError  = "REPLICATION_ERROR"
	CodeStorageGeneral    = "STORAGE_GENERAL"

	CodeBootstrapError    = "BOOTSTRAP_ERROR"
	CodeRateLimitError    = "RATE_LIMIT_ERROR"
	CodeNetworkGeneral    = "NETWORK_GENERAL"

	CodeInvalidSignature  = "INVALID_SIGNATURE"
	CodeSecurityGeneral   = "SECURITY_GENERAL"

	CodeInvalidNodeType   = "INVALID_NODE_TYPE"
)

// Error is a family+code tagged error with an optional wrapped cause.
type Error struct {
	Family  Family
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s/%s] %s: %v", e.Family, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s/%s] %s", e.Family, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches on family+code, ignoring message and cause, so callers can do
// errors.Is(err, rherr.ValueNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Family == t.Family && e.Code == t.Code
}

func New(family Family, code, message string) *Error {
	return &Error{Family: family, Code: code, Message: message}
}

func Wrap(family Family, code, message string, cause error) *Error {
	return &Error{Family: family, Code: code, Message: message, Cause: cause}
}

// Sentinel values for errors.Is comparisons.
var (
	NodeNotFound     = New(FamilyDHT, CodeNodeNotFound, "node not found")
	ValueNotFound    = New(FamilyDHT, CodeValueNotFound, "value not found in dht")
	StorageFull      = New(FamilyStorage, CodeStorageFull, "storage full")
	ReplicationError = New(FamilyStorage, CodeReplicationError, "replication error")
	BootstrapError   = New(FamilyNetwork, CodeBootstrapError, "bootstrap process failed")
	RateLimitError   = New(FamilyNetwork, CodeRateLimitError, "rate limit exceeded")
	InvalidSignature = New(FamilySecurity, CodeInvalidSignature, "invalid signature")
	InvalidNodeType  = New(FamilyConfig, CodeInvalidNodeType, "invalid node type")
)
