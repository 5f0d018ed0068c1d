package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/SiriusScan/codescan/sirius/scan"
	"github.com/SiriusScan/codescan/sirius/store"
)

const (
	keyPrefix = "codescan:scan:"
	keySuffix = ":status"

	// DefaultRetention is how long snapshots of finished scans are kept.
	DefaultRetention = 24 * time.Hour
)

// ErrNotFound is returned when no snapshot exists for a scan.
var ErrNotFound = errors.New("snapshot: not found")

// Snapshot is the cached view of a scan published at every transition.
type Snapshot struct {
	ScanID             string      `json:"scan_id"`
	Target             scan.Target `json:"target"`
	Status             scan.Status `json:"status"`
	ProgressPercentage int         `json:"progress_percentage"`
	ProgressStage      string      `json:"progress_stage"`
	Degraded           bool        `json:"degraded"`
	ErrorMessage       string      `json:"error_message,omitempty"`
	Counts             Counts      `json:"counts"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// FromScan builds a snapshot of s.
func FromScan(s *scan.Scan, counts Counts) Snapshot {
	return Snapshot{
		ScanID:             s.ID,
		Target:             s.Target,
		Status:             s.Status,
		ProgressPercentage: s.ProgressPercentage,
		ProgressStage:      s.ProgressStage,
		Degraded:           s.Degraded,
		ErrorMessage:       s.ErrorMessage,
		Counts:             counts,
		UpdatedAt:          s.UpdatedAt,
	}
}

// Key returns the KV key of a scan's snapshot.
func Key(scanID string) string {
	return keyPrefix + scanID + keySuffix
}

// Manager publishes and reads scan snapshots.
type Manager struct {
	kvStore   store.KVStore
	retention time.Duration
}

func NewManager(kvStore store.KVStore, retention time.Duration) *Manager {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Manager{kvStore: kvStore, retention: retention}
}

// terminalStatuses are the snapshot statuses a live snapshot may not replace.
var terminalStatuses = []string{
	string(scan.StatusCompleted),
	string(scan.StatusFailed),
	string(scan.StatusCancelled),
}

// Publish stores snap. Snapshots of finished scans expire after the
// retention period; live ones do not. A live snapshot never replaces a
// terminal one, so a writer that lost a race with a cancel cannot resurrect
// the scan in the cache. The check and the write are one store operation.
func (m *Manager) Publish(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if snap.Status.IsTerminal() {
		return m.kvStore.SetValueWithTTL(ctx, Key(snap.ScanID), string(data), int(m.retention.Seconds()))
	}

	written, err := m.kvStore.SetUnlessField(ctx, Key(snap.ScanID), string(data), "status", terminalStatuses...)
	if err != nil {
		return fmt.Errorf("failed to publish snapshot for scan %s: %w", snap.ScanID, err)
	}
	if !written {
		slog.Debug("Dropping stale snapshot", "scan_id", snap.ScanID, "status", snap.Status)
	}
	return nil
}

// Get returns the latest snapshot for scanID.
func (m *Manager) Get(ctx context.Context, scanID string) (*Snapshot, error) {
	resp, err := m.kvStore.GetValue(ctx, Key(scanID))
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil, fmt.Errorf("scan %s: %w", scanID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot for scan %s: %w", scanID, err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(resp.Message.Value), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// List returns every cached snapshot, most recently updated first.
func (m *Manager) List(ctx context.Context) ([]Snapshot, error) {
	keys, err := m.kvStore.ListKeys(ctx, keyPrefix+"*"+keySuffix)
	if err != nil {
		return nil, err
	}

	snaps := make([]Snapshot, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimSuffix(strings.TrimPrefix(key, keyPrefix), keySuffix)
		snap, err := m.Get(ctx, id)
		if err != nil {
			// expired between list and get
			slog.Debug("Skipping snapshot", "key", key, "error", err)
			continue
		}
		snaps = append(snaps, *snap)
	}

	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].UpdatedAt.Equal(snaps[j].UpdatedAt) {
			return snaps[i].UpdatedAt.After(snaps[j].UpdatedAt)
		}
		return snaps[i].ScanID < snaps[j].ScanID
	})
	return snaps, nil
}

// Delete drops the snapshot for scanID.
func (m *Manager) Delete(ctx context.Context, scanID string) error {
	return m.kvStore.DeleteValue(ctx, Key(scanID))
}
