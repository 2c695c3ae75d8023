package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tbourn/go-gate-sync/internal/backoff"
	"github.com/tbourn/go-gate-sync/internal/domain"
	"github.com/tbourn/go-gate-sync/internal/queue"
	"github.com/tbourn/go-gate-sync/internal/repo"
	"github.com/tbourn/go-gate-sync/internal/store"
	"github.com/tbourn/go-gate-sync/internal/syncerr"
)

// execute runs the CLI with args against a private database.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--env-file", ""}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func useTempDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gatesync.db")
	t.Setenv("GATESYNC_DB_PATH", path)
	t.Setenv("LOG_LEVEL", "error")
	return path
}

// seed enqueues two door creates and dead-letters the second one.
func seed(t *testing.T, path string) string {
	t.Helper()
	db, err := repo.OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	sqlDB, _ := db.DB()
	defer sqlDB.Close()

	ctx := context.Background()
	st := store.New(db)
	q := queue.New(st, backoff.Default(), 3)
	var seqs []int64
	for _, id := range []string{"d1", "d2"} {
		door := &domain.Door{SyncMeta: domain.SyncMeta{LocalID: id}, Name: "Door " + id, QRCode: "qr-" + id}
		err := st.Update(ctx, func(tx *store.Tx) error {
			if err := tx.Insert(door); err != nil {
				return err
			}
			res, err := q.Enqueue(tx, door, domain.OpCreate)
			seqs = append(seqs, res.Seq)
			return err
		})
		if err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	if err := q.MarkInFlight(ctx, seqs[1]); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if _, err := q.Fail(ctx, seqs[1], syncerr.NewValidation("submit", errors.New("422 name taken"))); err != nil {
		t.Fatalf("fail: %v", err)
	}
	dls, err := q.DeadLetters(ctx, 0)
	if err != nil || len(dls) != 1 {
		t.Fatalf("dead letters = %v, %v", dls, err)
	}
	return dls[0].ID
}

func TestStatus_JSON(t *testing.T) {
	seed(t, useTempDB(t))

	out, err := execute(t, "status", "--json")
	if err != nil {
		t.Fatalf("status: %v\n%s", err, out)
	}
	var rep statusReport
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	st := rep.Queue
	if st.Pending != 1 || st.DeadLetters != 1 || st.Enqueued != 2 || st.DeadLettered != 1 {
		t.Fatalf("stats = %+v", st)
	}
	for _, e := range rep.Entities {
		if e.Type == domain.EntityDoor && e.Count != 2 {
			t.Fatalf("door rows = %d", e.Count)
		}
	}
}

func TestPending_Table(t *testing.T) {
	seed(t, useTempDB(t))

	out, err := execute(t, "pending")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if !strings.Contains(out, "SEQ") || !strings.Contains(out, "d1") || strings.Contains(out, "d2") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestPending_EmptyDatabase(t *testing.T) {
	useTempDB(t)
	out, err := execute(t, "pending")
	if err != nil || !strings.Contains(out, "queue empty") {
		t.Fatalf("got %q, %v", out, err)
	}
}

func TestDeadLetters_ListRetryDiscard(t *testing.T) {
	id := seed(t, useTempDB(t))

	out, err := execute(t, "dead-letters", "list")
	if err != nil || !strings.Contains(out, id) || !strings.Contains(out, "name taken") {
		t.Fatalf("list: %v\n%s", err, out)
	}

	out, err = execute(t, "dead-letters", "retry", id)
	if err != nil || !strings.Contains(out, "re-enqueued as") {
		t.Fatalf("retry: %v\n%s", err, out)
	}
	if _, err := execute(t, "dl", "discard", id); err == nil {
		t.Fatal("discard of a retried dead letter should fail")
	}

	out, err = execute(t, "status", "--json")
	if err != nil {
		t.Fatal(err)
	}
	var rep statusReport
	_ = json.Unmarshal([]byte(out), &rep)
	if st := rep.Queue; st.Pending != 2 || st.DeadLetters != 0 {
		t.Fatalf("stats after retry = %+v", rep.Queue)
	}
}

func TestDeadLetters_Discard(t *testing.T) {
	id := seed(t, useTempDB(t))

	if out, err := execute(t, "dead-letters", "discard", id); err != nil || !strings.Contains(out, "discarded") {
		t.Fatalf("discard: %v\n%s", err, out)
	}
	out, err := execute(t, "dead-letters", "list", "--json")
	if err != nil || strings.TrimSpace(out) != "[]" {
		t.Fatalf("list after discard: %v %q", err, out)
	}
}

func TestConfigFile_Overlay(t *testing.T) {
	useTempDB(t)
	other := filepath.Join(t.TempDir(), "other.db")
	cfgPath := filepath.Join(t.TempDir(), "gatesync.toml")
	if err := os.WriteFile(cfgPath, []byte("db_path = \""+filepath.ToSlash(other)+"\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, "--config", cfgPath, "status"); err != nil {
		t.Fatalf("status: %v", err)
	}
	if _, err := os.Stat(other); err != nil {
		t.Fatalf("config file db_path not used: %v", err)
	}
}

func TestInvalidConfig_Fails(t *testing.T) {
	useTempDB(t)
	t.Setenv("RETRY_JITTER", "1.5")
	if _, err := execute(t, "status"); err == nil {
		t.Fatal("expected validation error")
	}
}
