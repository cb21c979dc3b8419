package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/orbitdesk/sync-infra/internal/provider"
)

// Adapter implements provider.Source for Gmail messages.
type Adapter struct {
	svc  *gmail.Service
	user string
}

// New creates a Gmail source. The token source keeps calls authenticated
// across refreshes.
func New(ctx context.Context, ts oauth2.TokenSource) (*Adapter, error) {
	svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return &Adapter{svc: svc, user: "me"}, nil
}

// Kind reports the record shape.
func (a *Adapter) Kind() provider.Kind { return provider.KindMessage }

// Name reports the provider.
func (a *Adapter) Name() provider.Name { return provider.NameGoogle }

// ListIDs fetches one page of message IDs. modifiedSince narrows the
// listing with an after: query; Gmail accepts epoch seconds there.
func (a *Adapter) ListIDs(ctx context.Context, cursor string, pageSize int, modifiedSince time.Time) (*provider.Page, error) {
	call := a.svc.Users.Messages.List(a.user).
		IncludeSpamTrash(false).
		MaxResults(int64(pageSize)).
		Context(ctx)

	if cursor != "" {
		call = call.PageToken(cursor)
	}
	if !modifiedSince.IsZero() {
		call = call.Q(fmt.Sprintf("after:%d", modifiedSince.Unix()))
	}

	resp, err := call.Do()
	if err != nil {
		return nil, classify(err)
	}

	page := &provider.Page{NextCursor: resp.NextPageToken}
	for _, m := range resp.Messages {
		page.IDs = append(page.IDs, provider.ExternalID{ID: m.Id})
	}

	return page, nil
}

// GetRecord fetches one full message.
func (a *Adapter) GetRecord(ctx context.Context, id string) (*provider.RawRecord, error) {
	msg, err := a.svc.Users.Messages.Get(a.user, id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}

	raw := &provider.RawRecord{
		Provider: provider.NameGoogle,
		Kind:     provider.KindMessage,
		ID:       msg.Id,
		Fields: map[string]string{
			"threadId": msg.ThreadId,
			"snippet":  msg.Snippet,
			"labels":   strings.Join(msg.LabelIds, ","),
			"date":     fmt.Sprintf("%d", msg.InternalDate),
		},
	}

	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			raw.Fields[h.Name] = h.Value
		}
		raw.Parts = convertParts(msg.Payload)
	}

	return raw, nil
}

// convertParts maps a Gmail payload tree onto provider body parts, decoding
// base64url content.
func convertParts(part *gmail.MessagePart) []provider.BodyPart {
	if part == nil {
		return nil
	}

	converted := provider.BodyPart{MimeType: part.MimeType}
	if part.Body != nil && part.Body.Data != "" {
		converted.Content = decodeBody(part.Body.Data)
	}
	for _, child := range part.Parts {
		converted.Parts = append(converted.Parts, convertParts(child)...)
	}

	return []provider.BodyPart{converted}
}

// decodeBody decodes Gmail's url-safe base64, which arrives unpadded.
func decodeBody(data string) string {
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return ""
	}
	return string(decoded)
}

// classify maps Gmail API failures onto the provider error taxonomy.
func classify(err error) error {
	if apiErr, ok := err.(*googleapi.Error); ok {
		return provider.ClassifyStatus(provider.NameGoogle, apiErr.Code, apiErr.Message)
	}
	return &provider.RequestError{Provider: provider.NameGoogle, Err: err}
}
