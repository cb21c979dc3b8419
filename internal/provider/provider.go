package provider

import (
	"context"
	"fmt"
	"time"
)

// Name identifies a remote provider.
type Name string

const (
	NameGoogle    Name = "GOOGLE"
	NameMicrosoft Name = "MICROSOFT"
	NameHubSpot   Name = "HUBSPOT"
)

// Kind is the shape of record a source produces.
type Kind string

const (
	// KindMessage records are immutable once fetched (mailbox messages).
	KindMessage Kind = "message"
	// KindContact records are mutable and re-synced when modified remotely (CRM contacts).
	KindContact Kind = "contact"
)

// Page is one page of remote record identifiers.
type Page struct {
	IDs []ExternalID
	// NextCursor is empty when the source is exhausted.
	NextCursor string
}

// ExternalID identifies a remote record, with the provider-reported
// modification time for mutable sources (zero for immutable ones).
type ExternalID struct {
	ID           string
	LastModified time.Time
}

// RawRecord is an unparsed provider record body.
type RawRecord struct {
	Provider Name
	Kind     Kind
	ID       string
	// Payload carries the provider wire format; fields the adapters already
	// decoded are surfaced on Fields.
	Payload []byte
	Fields  map[string]string
	// Parts holds multipart message bodies, outermost first.
	Parts []BodyPart
}

// BodyPart is one MIME-ish part of a message body.
type BodyPart struct {
	MimeType string
	Content  string
	Parts    []BodyPart
}

// Source lists and fetches records from a remote provider. Implementations
// obtain bearer tokens from their injected token source and do not retry;
// classification of failures is the caller's signal for retry policy.
type Source interface {
	// ListIDs fetches one page of record identifiers. An empty cursor means
	// the first page; modifiedSince is honored by sources that support
	// incremental filtering and ignored otherwise.
	ListIDs(ctx context.Context, cursor string, pageSize int, modifiedSince time.Time) (*Page, error)

	// GetRecord fetches one full record body.
	GetRecord(ctx context.Context, id string) (*RawRecord, error)

	// Kind reports the record shape this source produces.
	Kind() Kind

	// Name reports which provider this source talks to.
	Name() Name
}

// AuthError reports a rejected access token (HTTP 401).
type AuthError struct {
	Provider Name
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: auth failed: %v", e.Provider, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// APIError reports a non-auth HTTP failure from the provider.
type APIError struct {
	Provider Name
	Status   int
	Body     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: api error %d: %s", e.Provider, e.Status, e.Body)
}

// RateLimited reports whether the provider throttled the call.
func (e *APIError) RateLimited() bool { return e.Status == 429 }

// RequestError reports a transport-level failure (network, timeout).
type RequestError struct {
	Provider Name
	Err      error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: request failed: %v", e.Provider, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// ClassifyStatus maps an HTTP status to the error taxonomy.
func ClassifyStatus(name Name, status int, body string) error {
	if status == 401 {
		return &AuthError{Provider: name, Err: fmt.Errorf("status 401: %s", body)}
	}
	return &APIError{Provider: name, Status: status, Body: body}
}
