// Package window keeps conversations inside a bounded sliding window.
// Hot messages live in SQLite; when a conversation outgrows the
// configured byte threshold the full transcript is archived to a
// content-addressed blob file and the hot rows are trimmed back to the
// window size.
package window

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MikePfunk28/agent-builder-application-sub000/internal/bus"
	"github.com/MikePfunk28/agent-builder-application-sub000/internal/queue"
)

// Config bounds the hot window.
type Config struct {
	// SlidingWindowSize is the number of messages kept hot after a trim
	// and returned by History.
	SlidingWindowSize int
	// OverflowThresholdBytes triggers archival when a conversation's
	// hot bytes exceed it.
	OverflowThresholdBytes int64
}

const (
	DefaultSlidingWindowSize      = 50
	DefaultOverflowThresholdBytes = 256 << 10
)

// Store layers windowing on top of the conversation tables.
type Store struct {
	db      *queue.Store
	bus     *bus.Bus
	logger  *slog.Logger
	blobDir string
	cfg     Config

	overflowWG sync.WaitGroup
}

// New creates the window store. blobDir receives archived transcripts;
// a nil bus disables overflow notifications.
func New(db *queue.Store, eventBus *bus.Bus, blobDir string, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.SlidingWindowSize <= 0 {
		cfg.SlidingWindowSize = DefaultSlidingWindowSize
	}
	if cfg.OverflowThresholdBytes <= 0 {
		cfg.OverflowThresholdBytes = DefaultOverflowThresholdBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(blobDir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return &Store{
		db:      db,
		bus:     eventBus,
		logger:  logger,
		blobDir: blobDir,
		cfg:     cfg,
	}, nil
}

// Ensure returns convID with its row present, creating a fresh
// conversation when convID is empty.
func (w *Store) Ensure(ctx context.Context, convID string) (string, error) {
	if convID == "" {
		return w.db.CreateConversation(ctx)
	}
	if err := w.db.EnsureConversation(ctx, convID); err != nil {
		return "", err
	}
	return convID, nil
}

// Append records one message and kicks an asynchronous overflow check.
// The append itself is durable before Append returns; archival trails
// behind and History stays correct either way.
func (w *Store) Append(ctx context.Context, convID string, msg queue.Message) (int64, error) {
	id, err := w.db.AppendMessage(ctx, convID, msg)
	if err != nil {
		return 0, err
	}
	w.overflowWG.Add(1)
	go func() {
		defer w.overflowWG.Done()
		bg, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := w.maybeOverflow(bg, convID); err != nil {
			w.logger.Warn("conversation overflow check failed", "conversation_id", convID, "error", err)
		}
	}()
	return id, nil
}

// History returns the hot window, newest SlidingWindowSize messages in
// chronological order.
func (w *Store) History(ctx context.Context, convID string) ([]queue.Message, error) {
	return w.db.History(ctx, convID, w.cfg.SlidingWindowSize)
}

// Wait blocks until in-flight overflow work drains.
func (w *Store) Wait() {
	w.overflowWG.Wait()
}

// maybeOverflow archives and trims convID if it crossed the byte
// threshold. Safe to run concurrently with appends: a racing append is
// picked up by its own overflow check.
func (w *Store) maybeOverflow(ctx context.Context, convID string) error {
	conv, err := w.db.GetConversation(ctx, convID)
	if err != nil {
		return err
	}
	if conv.SizeBytes <= w.cfg.OverflowThresholdBytes {
		return nil
	}

	all, err := w.db.History(ctx, convID, 0)
	if err != nil {
		return err
	}
	if len(all) <= w.cfg.SlidingWindowSize {
		return nil
	}

	ref, err := w.writeBlob(convID, all)
	if err != nil {
		return err
	}
	if err := w.db.TrimConversation(ctx, convID, w.cfg.SlidingWindowSize, ref); err != nil {
		return err
	}

	w.logger.Info("conversation archived",
		"conversation_id", convID, "messages", len(all),
		"kept", w.cfg.SlidingWindowSize, "blob", ref)
	if w.bus != nil {
		w.bus.Publish(bus.TopicWindowOverflow, bus.OverflowEvent{
			ConversationID: convID,
			BlobRef:        ref,
			TrimmedTo:      w.cfg.SlidingWindowSize,
		})
	}
	return nil
}

type archive struct {
	ConversationID string          `json:"conversation_id"`
	ArchivedAt     time.Time       `json:"archived_at"`
	Messages       []queue.Message `json:"messages"`
}

// writeBlob serializes the transcript to a content-addressed file and
// returns its reference. Rewriting identical content is a no-op.
func (w *Store) writeBlob(convID string, msgs []queue.Message) (string, error) {
	data, err := json.MarshalIndent(archive{
		ConversationID: convID,
		ArchivedAt:     time.Now().UTC(),
		Messages:       msgs,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal archive: %w", err)
	}

	// Address by transcript content only so a retried archival of the
	// same messages lands on the same blob.
	h := sha256.New()
	for _, m := range msgs {
		fmt.Fprintf(h, "%d|%s|%s\n", m.ID, m.Role, m.Content)
	}
	name := "sha256-" + hex.EncodeToString(h.Sum(nil)) + ".json"
	path := filepath.Join(w.blobDir, name)
	ref := filepath.Join("blobs", name)

	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("finalize blob: %w", err)
	}
	return ref, nil
}

// ReadArchive loads an archived transcript by its blob reference.
func (w *Store) ReadArchive(ref string) ([]queue.Message, error) {
	name := filepath.Base(ref)
	data, err := os.ReadFile(filepath.Join(w.blobDir, name))
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	var a archive
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode blob: %w", err)
	}
	return a.Messages, nil
}
