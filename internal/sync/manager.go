package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	stdsync "sync"
	"time"

	"github.com/orbitdesk/sync-infra/internal/auth"
	"github.com/orbitdesk/sync-infra/internal/provider"
	"github.com/orbitdesk/sync-infra/internal/store"
)

// ErrAlreadyRunning is returned when a duplicate run is requested while the
// uniqueness lock for the same principal/source pair is held. Duplicates
// are discarded, not queued.
var ErrAlreadyRunning = errors.New("sync already running")

// SourceFactory builds a provider source for a principal. Injected so tests
// can swap remote clients.
type SourceFactory func(ctx context.Context, principalID string, st SourceType) (provider.Source, error)

// Publisher is the JetStream slice used for indexing notifications.
type Publisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Manager executes sync units of work: it serializes runs per
// (principal, source) through the guard, wires the orchestrator's
// collaborators for each execution, and keeps the indexing outbox draining.
type Manager struct {
	dataRoot      string
	tokens        TokenEnsurer
	accounts      *auth.AccountStore
	guard         *Guard
	enqueuer      Enqueuer
	publisher     Publisher
	sourceFactory SourceFactory
	lockTTL       time.Duration

	runningMutex stdsync.RWMutex
	running      map[string]struct{}
}

// NewManager creates a sync manager.
func NewManager(dataRoot string, tokens TokenEnsurer, accounts *auth.AccountStore, guard *Guard, enqueuer Enqueuer, publisher Publisher, factory SourceFactory) *Manager {
	return &Manager{
		dataRoot:      dataRoot,
		tokens:        tokens,
		accounts:      accounts,
		guard:         guard,
		enqueuer:      enqueuer,
		publisher:     publisher,
		sourceFactory: factory,
		lockTTL:       15 * time.Minute,
		running:       make(map[string]struct{}),
	}
}

// Execute runs one sync unit of work to its outcome. A concurrent duplicate
// for the same principal/source returns ErrAlreadyRunning.
func (m *Manager) Execute(ctx context.Context, params Params, resume *Continuation) (Outcome, error) {
	key := fmt.Sprintf("%s:%s:sync", params.PrincipalID, params.Source)
	if !m.guard.Acquire(key, m.lockTTL) {
		return "", ErrAlreadyRunning
	}
	defer m.guard.Release(key)

	m.markRunning(key)
	defer m.unmarkRunning(key)

	dbPath := filepath.Join(m.dataRoot, params.PrincipalID, "sync.db")
	principalStore, err := store.OpenPrincipalDB(dbPath)
	if err != nil {
		return "", fmt.Errorf("failed to open principal DB: %w", err)
	}
	defer principalStore.Close()

	source, err := m.sourceFactory(ctx, params.PrincipalID, params.Source)
	if err != nil {
		return "", fmt.Errorf("create source: %w", err)
	}

	walker := NewWalker(m.tokens, source, params.PrincipalID, params.Source)
	filter := NewFilter(principalStore)
	pipeline := NewPipeline(source, principalStore, params.PrincipalID)
	orchestrator := NewOrchestrator(walker, filter, pipeline, principalStore, m.enqueuer)

	// Drain indexing notifications while the run stores records.
	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		m.dispatchLoop(dispatchCtx, principalStore)
	}()

	outcome, _, runErr := orchestrator.Run(ctx, params, resume)

	stopDispatch()
	<-dispatchDone
	// One final pass so notifications from the last batch go out.
	m.drainOutbox(ctx, principalStore)

	if runErr != nil {
		return "", runErr
	}

	if outcome == OutcomeCompleted {
		if err := m.accounts.TouchLastSynced(ctx, params.PrincipalID, params.Source.AuthProvider()); err != nil {
			log.Printf("sync %s/%s: touch last synced: %v", params.PrincipalID, params.Source, err)
		}
	}

	return outcome, nil
}

// IsRunning reports whether a run for the principal/source is in flight in
// this process.
func (m *Manager) IsRunning(principalID string, st SourceType) bool {
	key := fmt.Sprintf("%s:%s:sync", principalID, st)
	m.runningMutex.RLock()
	defer m.runningMutex.RUnlock()
	_, exists := m.running[key]
	return exists
}

// Status loads the persisted checkpoint for a principal/source.
func (m *Manager) Status(ctx context.Context, principalID string, st SourceType) (*store.Checkpoint, error) {
	dbPath := filepath.Join(m.dataRoot, principalID, "sync.db")
	principalStore, err := store.OpenPrincipalDB(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open principal DB: %w", err)
	}
	defer principalStore.Close()

	return principalStore.LoadCheckpoint(ctx, string(st))
}

func (m *Manager) markRunning(key string) {
	m.runningMutex.Lock()
	defer m.runningMutex.Unlock()
	m.running[key] = struct{}{}
}

func (m *Manager) unmarkRunning(key string) {
	m.runningMutex.Lock()
	defer m.runningMutex.Unlock()
	delete(m.running, key)
}

// dispatchLoop continuously publishes queued indexing notifications.
func (m *Manager) dispatchLoop(ctx context.Context, principalStore *store.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if n := m.drainOutbox(ctx, principalStore); n == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
		}
	}
}

// drainOutbox publishes one batch of pending notifications, returning how
// many it dequeued. Publish failures are marked for retry with backoff.
func (m *Manager) drainOutbox(ctx context.Context, principalStore *store.Store) int {
	messages, err := principalStore.DequeueOutbox(ctx, 100)
	if err != nil {
		log.Printf("error dequeuing outbox: %v", err)
		return 0
	}

	for _, msg := range messages {
		if err := m.publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
			log.Printf("error publishing notification %d: %v", msg.ID, err)
			_ = principalStore.MarkOutboxRetry(ctx, msg.ID, 10*time.Second)
			continue
		}
		if err := principalStore.MarkPublished(ctx, msg.ID); err != nil {
			log.Printf("error marking notification %d published: %v", msg.ID, err)
		}
	}

	return len(messages)
}
