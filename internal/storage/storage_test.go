package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "kaku/pkg/logx"
)

func openTest(t *testing.T, driver string) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dispatch."+driver)
	st, err := Open(Config{Driver: driver, Path: path, BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestStoreDrivers(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st := openTest(t, driver)
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Millisecond)

			recs := []DispatchRecord{
				{At: now, TaskID: "a", DeviceID: 7, Action: "on", Tries: 3, Attempts: 3, Duration: 2 * time.Second},
				{At: now.Add(time.Second), TaskID: "b", DeviceID: 8, Action: "dim", Level: 9, Tries: 1, Attempts: 1},
				{At: now.Add(2 * time.Second), TaskID: "c", DeviceID: 7, Action: "off", Tries: 3, Attempts: 2, Error: "hub unreachable"},
			}
			for _, r := range recs {
				if err := st.AppendDispatch(ctx, r); err != nil {
					t.Fatalf("AppendDispatch: %v", err)
				}
			}

			all, err := st.RecentDispatches(ctx, -1, 10)
			if err != nil {
				t.Fatalf("RecentDispatches: %v", err)
			}
			if len(all) != 3 || all[0].TaskID != "c" || all[2].TaskID != "a" {
				t.Fatalf("all = %+v, want newest first", all)
			}
			if all[0].Error != "hub unreachable" || all[1].Level != 9 || all[2].Duration != 2*time.Second {
				t.Fatalf("fields lost in round trip: %+v", all)
			}

			dev7, err := st.RecentDispatches(ctx, 7, 1)
			if err != nil {
				t.Fatalf("RecentDispatches(7): %v", err)
			}
			if len(dev7) != 1 || dev7[0].TaskID != "c" {
				t.Fatalf("dev7 = %+v, want only c", dev7)
			}
		})
	}
}

func TestFileStoreReplaysOnOpen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "log", "dispatch.jsonl")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = st.AppendDispatch(context.Background(), DispatchRecord{TaskID: "x", DeviceID: 1, Action: "on", Tries: 1, Attempts: 1})
	_ = st.Close()

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	got, _ := st.RecentDispatches(context.Background(), -1, 5)
	if len(got) != 1 || got[0].TaskID != "x" {
		t.Fatalf("after reopen = %+v", got)
	}
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	if err != nil || st != nil {
		t.Fatalf("Open(none) = %v, %v; want nil, nil", st, err)
	}
	if _, err := Open(Config{Driver: "postgres", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing path")
	}
}
