package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marcoallegretti/karapace/pkg/log"
	"github.com/marcoallegretti/karapace/pkg/types"
)

// WalOpKind identifies the mutating operation a WAL entry tracks
type WalOpKind string

const (
	WalOpBuild   WalOpKind = "build"
	WalOpRebuild WalOpKind = "rebuild"
	WalOpCommit  WalOpKind = "commit"
	WalOpRestore WalOpKind = "restore"
	WalOpDestroy WalOpKind = "destroy"
	WalOpGc      WalOpKind = "gc"
	WalOpEnter   WalOpKind = "enter"
	WalOpExec    WalOpKind = "exec"
	WalOpPull    WalOpKind = "pull"
)

// StepKind identifies a rollback action
type StepKind string

const (
	StepRemoveDir  StepKind = "remove_dir"
	StepRemoveFile StepKind = "remove_file"
	StepResetState StepKind = "reset_state"
)

// RollbackStep describes how to undo one side effect of an operation
type RollbackStep struct {
	Kind StepKind `json:"kind"`
	// Path for remove_dir / remove_file steps.
	Path string `json:"path,omitempty"`
	// EnvID and TargetState for reset_state steps.
	EnvID       string         `json:"env_id,omitempty"`
	TargetState types.EnvState `json:"target_state,omitempty"`
}

// RemoveDir builds a step that removes a directory tree
func RemoveDir(path string) RollbackStep {
	return RollbackStep{Kind: StepRemoveDir, Path: path}
}

// RemoveFile builds a step that removes a single file
func RemoveFile(path string) RollbackStep {
	return RollbackStep{Kind: StepRemoveFile, Path: path}
}

// ResetState builds a step that rewrites an environment's state, e.g.
// running back to built after a crash mid-enter
func ResetState(envID string, state types.EnvState) RollbackStep {
	return RollbackStep{Kind: StepResetState, EnvID: envID, TargetState: state}
}

// WalEntry is a serialized description of an in-flight mutation and how to
// undo its partial effects
type WalEntry struct {
	OpID          string         `json:"op_id"`
	Kind          WalOpKind      `json:"kind"`
	EnvID         string         `json:"env_id"`
	Timestamp     string         `json:"timestamp"`
	RollbackSteps []RollbackStep `json:"rollback_steps"`
}

// WriteAheadLog makes multi-step mutations crash-safe. Mutating operations
// create an entry before their first side effect, append rollback steps as
// side effects occur, and remove the entry on success. Incomplete entries are
// rolled back at engine startup.
type WriteAheadLog struct {
	layout *Layout
	walDir string
}

// NewWriteAheadLog creates a WAL over the given layout
func NewWriteAheadLog(layout *Layout) *WriteAheadLog {
	return &WriteAheadLog{layout: layout, walDir: layout.WalDir()}
}

// Initialize ensures the WAL directory exists
func (w *WriteAheadLog) Initialize() error {
	if err := os.MkdirAll(w.walDir, 0o755); err != nil {
		return fmt.Errorf("failed to create WAL directory: %w", err)
	}
	return nil
}

// Begin creates a new entry for an operation and returns its op_id
func (w *WriteAheadLog) Begin(kind WalOpKind, envID string) (string, error) {
	opID := fmt.Sprintf("%s-%s",
		time.Now().UTC().Format("20060102150405.000000"),
		uuid.NewString()[:8])
	entry := &WalEntry{
		OpID:      opID,
		Kind:      kind,
		EnvID:     envID,
		// Fixed-width fractional seconds keep string order chronological.
		Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000000000Z07:00"),
	}
	if err := w.writeEntry(entry); err != nil {
		return "", err
	}
	log.WithComponent("wal").Debug().
		Str("op_id", opID).Str("kind", string(kind)).Str("env_id", envID).
		Msg("WAL begin")
	return opID, nil
}

// AddRollbackStep appends a step to an existing entry. Steps must be
// registered before the side effect they undo.
func (w *WriteAheadLog) AddRollbackStep(opID string, step RollbackStep) error {
	entry, err := w.readEntry(opID)
	if err != nil {
		return err
	}
	entry.RollbackSteps = append(entry.RollbackSteps, step)
	return w.writeEntry(entry)
}

// Commit removes an entry after the operation completed successfully
func (w *WriteAheadLog) Commit(opID string) error {
	path := w.entryPath(opID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove WAL entry %s: %w", opID, err)
	}
	log.WithComponent("wal").Debug().Str("op_id", opID).Msg("WAL commit")
	return nil
}

// ListIncomplete returns all in-flight entries, oldest first. Entries that
// fail to deserialize are deleted unconditionally.
func (w *WriteAheadLog) ListIncomplete() ([]*WalEntry, error) {
	dirEntries, err := os.ReadDir(w.walDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list WAL directory: %w", err)
	}

	var entries []*WalEntry
	for _, de := range dirEntries {
		if !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		path := filepath.Join(w.walDir, de.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.WithComponent("wal").Warn().Str("path", path).Err(err).Msg("unreadable WAL entry, removing")
			_ = os.Remove(path)
			continue
		}
		var entry WalEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			log.WithComponent("wal").Warn().Str("path", path).Err(err).Msg("corrupt WAL entry, removing")
			_ = os.Remove(path)
			continue
		}
		entries = append(entries, &entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp < entries[j].Timestamp })
	return entries, nil
}

// Recover rolls back all incomplete entries and returns how many were
// processed. Runs once at engine construction, under the store lock.
func (w *WriteAheadLog) Recover() (int, error) {
	entries, err := w.ListIncomplete()
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		log.WithComponent("wal").Info().
			Str("op_id", entry.OpID).Str("kind", string(entry.Kind)).Str("env_id", entry.EnvID).
			Msg("WAL recovery: rolling back")
		w.rollbackEntry(entry)
		_ = os.Remove(w.entryPath(entry.OpID))
	}
	if len(entries) > 0 {
		log.WithComponent("wal").Info().Int("count", len(entries)).Msg("WAL recovery complete")
	}
	return len(entries), nil
}

// Rollback undoes a single in-flight entry immediately and removes it. Used
// by operations that fail but are still alive to clean up, instead of leaving
// the entry for startup recovery.
func (w *WriteAheadLog) Rollback(opID string) error {
	entry, err := w.readEntry(opID)
	if err != nil {
		return err
	}
	w.rollbackEntry(entry)
	return w.Commit(opID)
}

// rollbackEntry executes steps in reverse registration order. Individual step
// failures are logged and skipped: recovery must make as much progress as it
// can.
func (w *WriteAheadLog) rollbackEntry(entry *WalEntry) {
	logger := log.WithComponent("wal")
	for i := len(entry.RollbackSteps) - 1; i >= 0; i-- {
		step := entry.RollbackSteps[i]
		switch step.Kind {
		case StepRemoveDir:
			if err := os.RemoveAll(step.Path); err != nil {
				logger.Warn().Str("path", step.Path).Err(err).Msg("rollback: failed to remove dir")
			}
		case StepRemoveFile:
			if err := os.Remove(step.Path); err != nil && !os.IsNotExist(err) {
				logger.Warn().Str("path", step.Path).Err(err).Msg("rollback: failed to remove file")
			}
		case StepResetState:
			w.resetState(step)
		default:
			logger.Warn().Str("kind", string(step.Kind)).Msg("rollback: unknown step kind")
		}
	}
}

func (w *WriteAheadLog) resetState(step RollbackStep) {
	logger := log.WithComponent("wal")
	metaStore := NewMetadataStore(w.layout)
	if !metaStore.Exists(step.EnvID) {
		return
	}
	meta, err := metaStore.Get(step.EnvID)
	if err != nil {
		logger.Warn().Str("env_id", step.EnvID).Err(err).Msg("rollback: failed to read metadata")
		return
	}
	meta.State = step.TargetState
	meta.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if err := metaStore.Put(meta); err != nil {
		logger.Warn().Str("env_id", step.EnvID).Err(err).Msg("rollback: failed to persist metadata")
		return
	}
	logger.Debug().Str("env_id", step.EnvID).Str("state", string(step.TargetState)).Msg("rollback: state reset")
}

func (w *WriteAheadLog) entryPath(opID string) string {
	return filepath.Join(w.walDir, opID+".json")
}

func (w *WriteAheadLog) writeEntry(entry *WalEntry) error {
	if err := os.MkdirAll(w.walDir, 0o755); err != nil {
		return fmt.Errorf("failed to create WAL directory: %w", err)
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize WAL entry: %w", err)
	}
	return writeFileAtomic(w.entryPath(entry.OpID), data)
}

func (w *WriteAheadLog) readEntry(opID string) (*WalEntry, error) {
	data, err := os.ReadFile(w.entryPath(opID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &NotFoundError{Kind: "wal", Key: opID}
		}
		return nil, fmt.Errorf("failed to read WAL entry %s: %w", opID, err)
	}
	var entry WalEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to parse WAL entry %s: %w", opID, err)
	}
	return &entry, nil
}
