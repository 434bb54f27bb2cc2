// Package faults classifies errors, guards downstream dependencies with
// circuit breakers and turns failures into client-safe envelopes.
package faults

import "fmt"

// Category groups error codes by the part of the system that failed.
type Category string

const (
	CategoryConnection     Category = "connection"
	CategoryAuthentication Category = "authentication"
	CategoryMessage        Category = "message_processing"
	CategoryRateLimit      Category = "rate_limiting"
	CategoryDatastore      Category = "datastore"
	CategoryCache          Category = "cache"
	CategorySecurity       Category = "security"
	CategoryInternal       Category = "internal"
	CategoryNetwork        Category = "network"
)

// Severity orders how urgently an error needs attention.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", int(s))
	}
}

func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Code is a member of the closed error taxonomy. The thousands digit
// identifies the category.
type Code int

const (
	CodeConnectionFailed   Code = 1001
	CodeHandshakeFailed    Code = 1002
	CodeConnectionTimeout  Code = 1003
	CodeConnectionClosed   Code = 1004
	CodeTooManyConnections Code = 1005
	CodeSendBufferFull     Code = 1006

	CodeAuthRequired Code = 2001
	CodeInvalidToken Code = 2002
	CodeTokenExpired Code = 2003
	CodeForbidden    Code = 2004

	CodeValidation      Code = 3001
	CodeUnknownKind     Code = 3002
	CodeDeliveryFailed  Code = 3003
	CodeHandlerFailed   Code = 3004
	CodeRecipientAbsent Code = 3005

	CodeRateLimited    Code = 4001
	CodeSessionBlocked Code = 4002
	CodeAdmissionLimit Code = 4003

	CodeDatastoreUnavailable Code = 5001
	CodeDatastoreQuery       Code = 5002
	CodeDatastoreTimeout     Code = 5003

	CodeCacheUnavailable Code = 6001
	CodeCacheMiss        Code = 6002
	CodeCacheWrite       Code = 6003

	CodePayloadTooLarge   Code = 7001
	CodeSuspiciousPattern Code = 7002
	CodeMalformedPayload  Code = 7003

	CodeInternal    Code = 8001
	CodePanic       Code = 8002
	CodeCircuitOpen Code = 8003

	CodeNetworkTimeout     Code = 9001
	CodeNetworkUnreachable Code = 9002
)

type codeInfo struct {
	name        string
	category    Category
	severity    Severity
	recoverable bool
	message     string
}

var catalog = map[Code]codeInfo{
	CodeConnectionFailed:   {"CONNECTION_FAILED", CategoryConnection, SeverityMedium, true, "Connection failed"},
	CodeHandshakeFailed:    {"HANDSHAKE_FAILED", CategoryConnection, SeverityLow, true, "Invalid upgrade request"},
	CodeConnectionTimeout:  {"CONNECTION_TIMEOUT", CategoryConnection, SeverityLow, true, "Connection timed out"},
	CodeConnectionClosed:   {"CONNECTION_CLOSED", CategoryConnection, SeverityLow, true, "Connection closed"},
	CodeTooManyConnections: {"TOO_MANY_CONNECTIONS", CategoryConnection, SeverityMedium, true, "Server at capacity"},
	CodeSendBufferFull:     {"SEND_BUFFER_FULL", CategoryConnection, SeverityMedium, true, "Client is not reading fast enough"},

	CodeAuthRequired: {"AUTH_REQUIRED", CategoryAuthentication, SeverityLow, true, "Authentication required"},
	CodeInvalidToken: {"INVALID_TOKEN", CategoryAuthentication, SeverityMedium, false, "Invalid authentication token"},
	CodeTokenExpired: {"TOKEN_EXPIRED", CategoryAuthentication, SeverityLow, true, "Authentication token expired"},
	CodeForbidden:    {"FORBIDDEN", CategoryAuthentication, SeverityMedium, false, "Operation not permitted"},

	CodeValidation:      {"VALIDATION_ERROR", CategoryMessage, SeverityLow, true, "Invalid message format"},
	CodeUnknownKind:     {"UNKNOWN_MESSAGE_TYPE", CategoryMessage, SeverityLow, true, "Unknown message type"},
	CodeDeliveryFailed:  {"DELIVERY_FAILED", CategoryMessage, SeverityMedium, true, "Message could not be delivered"},
	CodeHandlerFailed:   {"HANDLER_FAILED", CategoryMessage, SeverityMedium, true, "Message could not be processed"},
	CodeRecipientAbsent: {"RECIPIENT_REQUIRED", CategoryMessage, SeverityLow, true, "Message has no recipient"},

	CodeRateLimited:    {"RATE_LIMITED", CategoryRateLimit, SeverityLow, true, "Too many messages"},
	CodeSessionBlocked: {"SESSION_BLOCKED", CategoryRateLimit, SeverityMedium, true, "Temporarily blocked for excessive traffic"},
	CodeAdmissionLimit: {"CONNECTION_RATE_LIMITED", CategoryRateLimit, SeverityLow, true, "Too many connection attempts"},

	CodeDatastoreUnavailable: {"DATASTORE_UNAVAILABLE", CategoryDatastore, SeverityHigh, true, "Service temporarily unavailable"},
	CodeDatastoreQuery:       {"DATASTORE_QUERY_FAILED", CategoryDatastore, SeverityHigh, true, "Service temporarily unavailable"},
	CodeDatastoreTimeout:     {"DATASTORE_TIMEOUT", CategoryDatastore, SeverityHigh, true, "Service temporarily unavailable"},

	CodeCacheUnavailable: {"CACHE_UNAVAILABLE", CategoryCache, SeverityHigh, true, "Service temporarily unavailable"},
	CodeCacheMiss:        {"CACHE_MISS", CategoryCache, SeverityLow, true, "Not found"},
	CodeCacheWrite:       {"CACHE_WRITE_FAILED", CategoryCache, SeverityMedium, true, "Service temporarily unavailable"},

	CodePayloadTooLarge:   {"PAYLOAD_TOO_LARGE", CategorySecurity, SeverityMedium, false, "Message too large"},
	CodeSuspiciousPattern: {"SUSPICIOUS_PAYLOAD", CategorySecurity, SeverityHigh, false, "Message rejected"},
	CodeMalformedPayload:  {"MALFORMED_PAYLOAD", CategorySecurity, SeverityMedium, false, "Message rejected"},

	CodeInternal:    {"INTERNAL_ERROR", CategoryInternal, SeverityHigh, true, "Internal server error"},
	CodePanic:       {"INTERNAL_PANIC", CategoryInternal, SeverityCritical, true, "Internal server error"},
	CodeCircuitOpen: {"SERVICE_UNAVAILABLE", CategoryInternal, SeverityMedium, true, "Service temporarily unavailable"},

	CodeNetworkTimeout:     {"NETWORK_TIMEOUT", CategoryNetwork, SeverityMedium, true, "Request timed out"},
	CodeNetworkUnreachable: {"NETWORK_UNREACHABLE", CategoryNetwork, SeverityHigh, true, "Service temporarily unavailable"},
}

func (c Code) info() codeInfo {
	if info, ok := catalog[c]; ok {
		return info
	}
	return catalog[CodeInternal]
}

// Known reports whether c is part of the taxonomy.
func (c Code) Known() bool {
	_, ok := catalog[c]
	return ok
}

func (c Code) Name() string           { return c.info().name }
func (c Code) Category() Category     { return c.info().category }
func (c Code) Severity() Severity     { return c.info().severity }
func (c Code) Recoverable() bool      { return c.info().recoverable }
func (c Code) DefaultMessage() string { return c.info().message }

func (c Code) String() string {
	return fmt.Sprintf("%s(%d)", c.Name(), int(c))
}

// Codes returns the whole taxonomy.
func Codes() []Code {
	out := make([]Code, 0, len(catalog))
	for c := range catalog {
		out = append(out, c)
	}
	return out
}
