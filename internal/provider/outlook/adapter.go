package outlook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"golang.org/x/oauth2"

	"github.com/orbitdesk/sync-infra/internal/provider"
)

var listSelect = []string{"id", "lastModifiedDateTime"}

var detailSelect = []string{
	"id", "conversationId", "subject", "from", "toRecipients", "ccRecipients",
	"bodyPreview", "body", "receivedDateTime", "lastModifiedDateTime",
	"internetMessageHeaders",
}

// Adapter implements provider.Source for Outlook messages via Microsoft
// Graph.
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
}

// New creates an Outlook source backed by the given token source.
func New(ts oauth2.TokenSource) (*Adapter, error) {
	cred := &tokenSourceCredential{src: ts}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}

	return &Adapter{client: client}, nil
}

// Kind reports the record shape.
func (a *Adapter) Kind() provider.Kind { return provider.KindMessage }

// Name reports the provider.
func (a *Adapter) Name() provider.Name { return provider.NameMicrosoft }

// ListIDs fetches one page of message IDs. Graph paging rides the odata
// next link, which doubles as our cursor.
func (a *Adapter) ListIDs(ctx context.Context, cursor string, pageSize int, modifiedSince time.Time) (*provider.Page, error) {
	var result models.MessageCollectionResponseable
	var err error

	if cursor != "" {
		builder := users.NewItemMessagesRequestBuilder(cursor, a.client.GetAdapter())
		result, err = builder.Get(ctx, nil)
	} else {
		requestConfig := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
				Top:    int32Ptr(int32(pageSize)),
				Select: listSelect,
			},
		}
		if !modifiedSince.IsZero() {
			filter := fmt.Sprintf("lastModifiedDateTime ge %s", modifiedSince.UTC().Format(time.RFC3339))
			requestConfig.QueryParameters.Filter = &filter
		}
		result, err = a.client.Me().Messages().Get(ctx, requestConfig)
	}
	if err != nil {
		return nil, classify(err)
	}

	page := &provider.Page{}
	if next := result.GetOdataNextLink(); next != nil {
		page.NextCursor = *next
	}

	for _, msg := range result.GetValue() {
		if msg == nil || msg.GetId() == nil {
			continue
		}
		ext := provider.ExternalID{ID: *msg.GetId()}
		if mod := msg.GetLastModifiedDateTime(); mod != nil {
			ext.LastModified = *mod
		}
		page.IDs = append(page.IDs, ext)
	}

	return page, nil
}

// GetRecord fetches one full message.
func (a *Adapter) GetRecord(ctx context.Context, id string) (*provider.RawRecord, error) {
	requestConfig := &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: detailSelect,
		},
	}

	msg, err := a.client.Me().Messages().ByMessageId(id).Get(ctx, requestConfig)
	if err != nil {
		return nil, classify(err)
	}

	return normalize(msg), nil
}

// normalize flattens a Graph message into the raw record shape.
func normalize(m models.Messageable) *provider.RawRecord {
	raw := &provider.RawRecord{
		Provider: provider.NameMicrosoft,
		Kind:     provider.KindMessage,
		Fields:   map[string]string{},
	}

	if id := m.GetId(); id != nil {
		raw.ID = *id
	}
	if convID := m.GetConversationId(); convID != nil {
		raw.Fields["threadId"] = *convID
	}
	if subject := m.GetSubject(); subject != nil {
		raw.Fields["Subject"] = *subject
	}
	if preview := m.GetBodyPreview(); preview != nil {
		raw.Fields["snippet"] = *preview
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		raw.Fields["Date"] = rcvd.UTC().Format(time.RFC3339)
	}
	if mod := m.GetLastModifiedDateTime(); mod != nil {
		raw.Fields["lastModified"] = mod.UTC().Format(time.RFC3339)
	}

	if from := m.GetFrom(); from != nil {
		raw.Fields["From"] = formatRecipient(from)
	}
	if to := m.GetToRecipients(); len(to) > 0 {
		raw.Fields["To"] = joinRecipients(to)
	}
	if cc := m.GetCcRecipients(); len(cc) > 0 {
		raw.Fields["Cc"] = joinRecipients(cc)
	}

	for _, h := range m.GetInternetMessageHeaders() {
		if name := h.GetName(); name != nil {
			if value := h.GetValue(); value != nil {
				raw.Fields[*name] = *value
			}
		}
	}

	if body := m.GetBody(); body != nil && body.GetContent() != nil {
		mimeType := "text/plain"
		if ct := body.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			mimeType = "text/html"
		}
		raw.Parts = []provider.BodyPart{{MimeType: mimeType, Content: *body.GetContent()}}
	}

	return raw
}

// formatRecipient renders a recipient as "Name <email>" so the canonical
// address parser handles Graph the same as everything else.
func formatRecipient(r models.Recipientable) string {
	addr := r.GetEmailAddress()
	if addr == nil {
		return ""
	}

	var name, email string
	if n := addr.GetName(); n != nil {
		name = *n
	}
	if a := addr.GetAddress(); a != nil {
		email = *a
	}
	if name == "" {
		return email
	}
	return fmt.Sprintf("%s <%s>", name, email)
}

func joinRecipients(recipients []models.Recipientable) string {
	parts := make([]string, 0, len(recipients))
	for _, r := range recipients {
		if formatted := formatRecipient(r); formatted != "" {
			parts = append(parts, formatted)
		}
	}
	return strings.Join(parts, ", ")
}

// classify maps Graph failures onto the provider error taxonomy.
func classify(err error) error {
	var odataErr *odataerrors.ODataError
	if errors.As(err, &odataErr) {
		return provider.ClassifyStatus(provider.NameMicrosoft, odataErr.ResponseStatusCode, odataErr.Error())
	}
	return &provider.RequestError{Provider: provider.NameMicrosoft, Err: err}
}

// tokenSourceCredential bridges the token lifecycle manager into the Azure
// credential interface Graph clients expect.
type tokenSourceCredential struct {
	src oauth2.TokenSource
}

func (c *tokenSourceCredential) GetToken(_ context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := c.src.Token()
	if err != nil {
		return azcore.AccessToken{}, err
	}

	expires := tok.Expiry
	if expires.IsZero() {
		expires = time.Now().Add(time.Hour)
	}

	return azcore.AccessToken{Token: tok.AccessToken, ExpiresOn: expires}, nil
}

func int32Ptr(i int32) *int32 {
	return &i
}
