package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/clinicore/clinicore/internal/audit"
	"github.com/clinicore/clinicore/internal/queue"
)

// Job type handled on the backup queue.
const TypeRunBackup = "run_backup"

// BackupWorker dumps the database to a timestamped file. The audit entry
// is written only after the artifact is verified on disk.
type BackupWorker struct {
	databaseURL string
	backupDir   string
	pgDumpPath  string
	audit       audit.Repository
	logger      zerolog.Logger
}

func NewBackupWorker(databaseURL, backupDir, pgDumpPath string, auditRepo audit.Repository, logger zerolog.Logger) *BackupWorker {
	return &BackupWorker{
		databaseURL: databaseURL,
		backupDir:   backupDir,
		pgDumpPath:  pgDumpPath,
		audit:       auditRepo,
		logger:      logger.With().Str("worker", "backup").Logger(),
	}
}

// Register attaches the worker's handler to the manager.
func (w *BackupWorker) Register(m *queue.Manager) {
	m.Register(queue.QueueBackup, TypeRunBackup, w.handleBackup)
}

func (w *BackupWorker) handleBackup(ctx context.Context, job *queue.Job) error {
	if err := os.MkdirAll(w.backupDir, 0o750); err != nil {
		return fmt.Errorf("creating backup directory: %w", err)
	}

	name := fmt.Sprintf("clinicore-%s.dump", time.Now().UTC().Format("20060102-150405"))
	path := filepath.Join(w.backupDir, name)

	cmd := exec.CommandContext(ctx, w.pgDumpPath, "--format=custom", "--file="+path, w.databaseURL)
	out, err := cmd.CombinedOutput()
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("pg_dump: %v: %s", err, out)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("verifying backup artifact: %w", err)
	}
	if info.Size() == 0 {
		os.Remove(path)
		return fmt.Errorf("backup artifact %s is empty", path)
	}

	detail := fmt.Sprintf("%s (%d bytes)", path, info.Size())
	if err := w.audit.Create(ctx, &audit.Entry{
		Actor:      "backup-worker",
		Action:     "database_backup",
		EntityType: "database",
		EntityID:   name,
		Outcome:    audit.OutcomeSuccess,
		Detail:     &detail,
	}); err != nil {
		return err
	}

	w.logger.Info().Str("path", path).Int64("bytes", info.Size()).Msg("database backup complete")
	return nil
}
