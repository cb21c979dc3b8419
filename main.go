package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/oauth2"

	"github.com/orbitdesk/sync-infra/internal/auth"
	"github.com/orbitdesk/sync-infra/internal/jobs"
	"github.com/orbitdesk/sync-infra/internal/provider"
	"github.com/orbitdesk/sync-infra/internal/provider/gmail"
	"github.com/orbitdesk/sync-infra/internal/provider/hubspot"
	"github.com/orbitdesk/sync-infra/internal/provider/outlook"
	syncpkg "github.com/orbitdesk/sync-infra/internal/sync"
)

type ConnectRequest struct {
	AccessToken  string `json:"access_token" binding:"required"`
	RefreshToken string `json:"refresh_token" binding:"required"`
	ExpiresIn    int64  `json:"expires_in"`
}

type BackfillRequest struct {
	Max      int `json:"max" binding:"required"`
	PageSize int `json:"page_size"`
}

type IncrementalRequest struct {
	ModifiedSince string `json:"modified_since"`
	PageSize      int    `json:"page_size"`
}

// continuationEnqueuer breaks the construction cycle between the sync
// manager (which needs an enqueuer) and the job runner (which needs the
// manager).
type continuationEnqueuer struct {
	runner *jobs.Runner
}

func (e *continuationEnqueuer) EnqueueContinuation(cont *syncpkg.Continuation) error {
	return e.runner.EnqueueContinuation(cont)
}

func main() {
	dataRoot := envOr("DATA_ROOT", "data")
	natsURL := envOr("NATS_URL", "nats://localhost:4222")
	listenAddr := envOr("LISTEN_ADDR", ":8080")
	jwksURL := os.Getenv("JWKS_URL")
	if jwksURL == "" {
		log.Fatal("JWKS_URL is required")
	}

	if err := os.MkdirAll(filepath.Join(dataRoot, "principals"), 0755); err != nil {
		log.Fatal(err)
	}

	accountsDB, err := sql.Open("sqlite3", filepath.Join(dataRoot, "accounts.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer accountsDB.Close()

	accounts, err := auth.NewAccountStore(accountsDB)
	if err != nil {
		log.Fatal(err)
	}

	verifier, err := auth.NewJWTVerifier(jwksURL)
	if err != nil {
		log.Fatal(err)
	}

	guard := syncpkg.NewGuard()
	exchanger := &auth.OAuth2Exchanger{Configs: oauthConfigs()}
	tokenMgr := auth.NewManager(accounts, exchanger, guard, nil)
	defer tokenMgr.StopAll()

	publisher, err := jobs.NewPublisher(natsURL)
	if err != nil {
		log.Fatal(err)
	}
	defer publisher.Close()

	ctx := context.Background()
	if err := publisher.EnsureStreams(ctx); err != nil {
		log.Fatal(err)
	}

	sourceFactory := func(ctx context.Context, principalID string, st syncpkg.SourceType) (provider.Source, error) {
		ts := tokenMgr.TokenSource(principalID, st.AuthProvider())
		switch st {
		case syncpkg.SourceGmailMessages:
			return gmail.New(ctx, ts)
		case syncpkg.SourceOutlookMessages:
			return outlook.New(ts)
		case syncpkg.SourceHubSpotContacts:
			return hubspot.New(ts), nil
		}
		return nil, fmt.Errorf("unknown source type %q", st)
	}

	enqueuer := &continuationEnqueuer{}
	syncMgr := syncpkg.NewManager(filepath.Join(dataRoot, "principals"), tokenMgr, accounts, guard, enqueuer, publisher, sourceFactory)

	workers, _ := strconv.Atoi(envOr("SYNC_WORKERS", "4"))
	runner := jobs.NewRunner(publisher, syncMgr, workers)
	enqueuer.runner = runner

	if err := runner.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer runner.Drain()

	// Resume proactive refresh scheduling for every live connection.
	connected, err := accounts.ListConnected(ctx)
	if err != nil {
		log.Fatal(err)
	}
	for _, acct := range connected {
		tokenMgr.StartAccount(acct)
	}
	log.Printf("scheduling token refresh for %d connections", len(connected))

	interval := 15 * time.Minute
	if v := os.Getenv("SYNC_INTERVAL"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("invalid SYNC_INTERVAL: %v", err)
		}
		interval = parsed
	}
	go incrementalTicker(ctx, accounts, runner, interval)

	r := gin.Default()

	authorized := r.Group("/")
	authorized.Use(authMiddleware(verifier))

	authorized.POST("/accounts/:provider/connect", connectHandler(accounts, tokenMgr))
	authorized.POST("/accounts/:provider/reconnect", connectHandler(accounts, tokenMgr))

	authorized.POST("/sync/:provider/backfill", func(c *gin.Context) {
		source, ok := sourceForProvider(c.Param("provider"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
			return
		}

		var req BackfillRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		principalID := c.GetString("principal_id")
		unit := &jobs.Unit{
			PrincipalID: principalID,
			Source:      source,
			Fresh:       true,
			Max:         req.Max,
			PageSize:    req.PageSize,
		}
		if err := runner.Enqueue(unit, backfillKey(principalID, source)); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"status": "queued", "max": req.Max})
	})

	authorized.POST("/sync/:provider/incremental", func(c *gin.Context) {
		source, ok := sourceForProvider(c.Param("provider"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
			return
		}

		var req IncrementalRequest
		if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		var modifiedSince time.Time
		if req.ModifiedSince != "" {
			parsed, err := time.Parse(time.RFC3339, req.ModifiedSince)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "modified_since must be RFC3339"})
				return
			}
			modifiedSince = parsed
		}

		principalID := c.GetString("principal_id")
		unit := &jobs.Unit{
			PrincipalID:   principalID,
			Source:        source,
			Fresh:         true,
			PageSize:      req.PageSize,
			ModifiedSince: modifiedSince,
		}
		if err := runner.Enqueue(unit, incrementalKey(principalID, source)); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
	})

	authorized.GET("/sync/:provider/status", func(c *gin.Context) {
		source, ok := sourceForProvider(c.Param("provider"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
			return
		}

		principalID := c.GetString("principal_id")
		cp, err := syncMgr.Status(c.Request.Context(), principalID, source)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"source":       cp.Source,
			"status":       cp.Status,
			"total_synced": cp.TotalSynced,
			"completed":    cp.Completed,
			"oldest_seen":  timeOrNil(cp.OldestSeen),
			"last_error":   cp.LastError,
			"retry_count":  cp.RetryCount,
			"running":      syncMgr.IsRunning(principalID, source),
		})
	})

	log.Fatal(r.Run(listenAddr))
}

// incrementalTicker enqueues an incremental unit for every live connection
// each interval. Duplicate submissions collapse at the stream's uniqueness
// window, and in-flight runs reject duplicates through the guard.
func incrementalTicker(ctx context.Context, accounts *auth.AccountStore, runner *jobs.Runner, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		connected, err := accounts.ListConnected(ctx)
		if err != nil {
			log.Printf("incremental tick: list accounts: %v", err)
			continue
		}

		for _, acct := range connected {
			source, ok := sourceForAuthProvider(acct.Provider)
			if !ok {
				continue
			}
			unit := &jobs.Unit{PrincipalID: acct.PrincipalID, Source: source, Fresh: true}
			if err := runner.Enqueue(unit, incrementalKey(acct.PrincipalID, source)); err != nil {
				log.Printf("incremental tick: enqueue %s/%s: %v", acct.PrincipalID, source, err)
			}
		}
	}
}

// connectHandler accepts tokens issued by the external OAuth consent flow
// and begins lifecycle scheduling for the connection.
func connectHandler(accounts *auth.AccountStore, tokenMgr *auth.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		providerName, ok := authProviderFor(c.Param("provider"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
			return
		}

		var req ConnectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		tok := auth.Token{
			AccessToken:  req.AccessToken,
			RefreshToken: req.RefreshToken,
		}
		if req.ExpiresIn > 0 {
			tok.Expiry = time.Now().Add(time.Duration(req.ExpiresIn) * time.Second)
		}

		principalID := c.GetString("principal_id")
		if err := accounts.Connect(c.Request.Context(), principalID, providerName, tok); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		acct, err := accounts.Get(c.Request.Context(), principalID, providerName)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		tokenMgr.StartAccount(acct)

		c.JSON(http.StatusCreated, gin.H{"provider": providerName, "connected": true})
	}
}

func authMiddleware(verifier *auth.JWTVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := verifier.UserFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Set("principal_id", user.ID)
		c.Next()
	}
}

// oauthConfigs builds the refresh-grant client configuration per provider
// from the environment.
func oauthConfigs() map[auth.Provider]*oauth2.Config {
	return map[auth.Provider]*oauth2.Config{
		auth.ProviderGoogle: {
			ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
			ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://accounts.google.com/o/oauth2/auth",
				TokenURL: "https://oauth2.googleapis.com/token",
			},
			Scopes: []string{"https://www.googleapis.com/auth/gmail.readonly"},
		},
		auth.ProviderMicrosoft: {
			ClientID:     os.Getenv("MICROSOFT_CLIENT_ID"),
			ClientSecret: os.Getenv("MICROSOFT_CLIENT_SECRET"),
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
				TokenURL: "https://login.microsoftonline.com/common/oauth2/v2.0/token",
			},
			Scopes: []string{"offline_access", "Mail.Read"},
		},
		auth.ProviderHubSpot: {
			ClientID:     os.Getenv("HUBSPOT_CLIENT_ID"),
			ClientSecret: os.Getenv("HUBSPOT_CLIENT_SECRET"),
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://app.hubspot.com/oauth/authorize",
				TokenURL: "https://api.hubapi.com/oauth/v1/token",
			},
			Scopes: []string{"crm.objects.contacts.read"},
		},
	}
}

func sourceForProvider(name string) (syncpkg.SourceType, bool) {
	switch name {
	case "google":
		return syncpkg.SourceGmailMessages, true
	case "microsoft":
		return syncpkg.SourceOutlookMessages, true
	case "hubspot":
		return syncpkg.SourceHubSpotContacts, true
	}
	return "", false
}

func sourceForAuthProvider(p auth.Provider) (syncpkg.SourceType, bool) {
	switch p {
	case auth.ProviderGoogle:
		return syncpkg.SourceGmailMessages, true
	case auth.ProviderMicrosoft:
		return syncpkg.SourceOutlookMessages, true
	case auth.ProviderHubSpot:
		return syncpkg.SourceHubSpotContacts, true
	}
	return "", false
}

func authProviderFor(name string) (auth.Provider, bool) {
	switch name {
	case "google":
		return auth.ProviderGoogle, true
	case "microsoft":
		return auth.ProviderMicrosoft, true
	case "hubspot":
		return auth.ProviderHubSpot, true
	}
	return "", false
}

func backfillKey(principalID string, source syncpkg.SourceType) string {
	return "sync|" + principalID + "|" + string(source) + "|backfill"
}

func incrementalKey(principalID string, source syncpkg.SourceType) string {
	return "sync|" + principalID + "|" + string(source) + "|incremental"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func timeOrNil(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
