package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/decisiontrace/pkg/persistence"
	"github.com/basket/decisiontrace/pkg/xray"
)

const drillTraces = 40

type report struct {
	BackupStarted   time.Time
	BackupCompleted time.Time
	RestoreStarted  time.Time
	RestoreDone     time.Time
	RestoredTraces  int64
	RestoredSteps   int64
	SampleMatches   bool
}

func main() {
	baseDir, err := os.MkdirTemp("", "xray-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	r, err := drill(context.Background(), baseDir)
	if err != nil {
		fmt.Printf("drill_error=%v\n", err)
		os.Exit(1)
	}

	fmt.Printf("backup_started=%s\n", r.BackupStarted.Format(time.RFC3339Nano))
	fmt.Printf("backup_completed=%s\n", r.BackupCompleted.Format(time.RFC3339Nano))
	fmt.Printf("restore_started=%s\n", r.RestoreStarted.Format(time.RFC3339Nano))
	fmt.Printf("restore_completed=%s\n", r.RestoreDone.Format(time.RFC3339Nano))
	fmt.Printf("rpo_duration=%s\n", r.BackupCompleted.Sub(r.BackupStarted))
	fmt.Printf("rto_duration=%s\n", r.RestoreDone.Sub(r.RestoreStarted))
	fmt.Printf("restored_traces=%d\n", r.RestoredTraces)
	fmt.Printf("restored_steps=%d\n", r.RestoredSteps)
	fmt.Printf("sample_matches=%t\n", r.SampleMatches)

	if !r.ok() {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}

func (r report) ok() bool {
	return r.RestoredTraces >= drillTraces && r.RestoredSteps >= 2*drillTraces && r.SampleMatches
}

var errInjected = errors.New("injected failure")

// drill records traces into a fresh store, backs it up with VACUUM INTO,
// opens the copy and checks that traces and steps survived.
func drill(ctx context.Context, baseDir string) (report, error) {
	var r report
	dbPath := filepath.Join(baseDir, "xray.db")
	backupPath := filepath.Join(baseDir, "backup.db")
	restorePath := filepath.Join(baseDir, "restore.db")

	store, err := persistence.Open(dbPath)
	if err != nil {
		return r, fmt.Errorf("open store: %w", err)
	}
	rec := xray.New(store)
	defer rec.Close()

	var sampleID string
	for i := 0; i < drillTraces; i++ {
		err := rec.Run(ctx, "backup-drill", xray.Document{"i": i}, func(ctx context.Context, tr *xray.TraceHandle) error {
			sampleID = tr.ID()
			if err := tr.Step(ctx, "prepare", func(_ context.Context, s *xray.StepHandle) error {
				s.SetInput(xray.Document{"i": i})
				s.SetOutput(xray.Document{"ok": true})
				return nil
			}); err != nil {
				return err
			}
			return tr.Step(ctx, "decide", func(_ context.Context, s *xray.StepHandle) error {
				s.AddEvaluation(fmt.Sprintf("item-%d", i), xray.Document{"i": i},
					[]xray.FilterResult{{Name: "even", Passed: i%2 == 0}}, i%2 == 0, "")
				if i%10 == 9 {
					return errInjected
				}
				return nil
			})
		})
		if err != nil && !errors.Is(err, errInjected) {
			return r, fmt.Errorf("record trace %d: %w", i, err)
		}
	}
	original, err := store.GetTrace(ctx, sampleID)
	if err != nil {
		return r, fmt.Errorf("read sample: %w", err)
	}

	r.BackupStarted = time.Now().UTC()
	if _, err := store.DB().ExecContext(ctx, `VACUUM INTO ?;`, backupPath); err != nil {
		return r, fmt.Errorf("backup: %w", err)
	}
	r.BackupCompleted = time.Now().UTC()

	backupBytes, err := os.ReadFile(backupPath)
	if err != nil {
		return r, fmt.Errorf("read backup: %w", err)
	}
	if err := os.WriteFile(restorePath, backupBytes, 0o644); err != nil {
		return r, fmt.Errorf("write restore: %w", err)
	}
	r.RestoreStarted = time.Now().UTC()
	restored, err := persistence.Open(restorePath)
	if err != nil {
		return r, fmt.Errorf("open restore: %w", err)
	}
	defer restored.Close()
	r.RestoreDone = time.Now().UTC()

	if r.RestoredTraces, err = restored.CountTraces(ctx); err != nil {
		return r, fmt.Errorf("count traces: %w", err)
	}
	if err := restored.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM steps;`).Scan(&r.RestoredSteps); err != nil {
		return r, fmt.Errorf("count steps: %w", err)
	}
	copyTrace, err := restored.GetTrace(ctx, sampleID)
	if err != nil {
		return r, fmt.Errorf("read restored sample: %w", err)
	}
	r.SampleMatches = copyTrace.Status == original.Status &&
		len(copyTrace.Steps) == len(original.Steps) &&
		copyTrace.StartTime.Equal(original.StartTime)
	return r, nil
}
