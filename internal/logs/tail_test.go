package logs_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mxgate/internal/logs"
)

func writeLog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mxgate.log")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	return path
}

func appendLog(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open append: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("append log: %v", err)
	}
}

func TestTailLastLines(t *testing.T) {
	path := writeLog(t, "one\ntwo\nthree\n")

	result, err := logs.Tail(context.Background(), path, logs.Options{Offset: -1, Lines: 2})
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(result.Lines) != 2 || result.Lines[0] != "two" || result.Lines[1] != "three" {
		t.Fatalf("lines = %#v", result.Lines)
	}
	if result.NextOffset != int64(len("one\ntwo\nthree\n")) {
		t.Errorf("offset = %d", result.NextOffset)
	}
}

func TestTailFromOffsetReadsOnlyNewLines(t *testing.T) {
	path := writeLog(t, "old\n")

	first, err := logs.Tail(context.Background(), path, logs.Options{Offset: -1, Lines: 10})
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}

	appendLog(t, path, "new\n")
	second, err := logs.Tail(context.Background(), path, logs.Options{Offset: first.NextOffset})
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(second.Lines) != 1 || second.Lines[0] != "new" {
		t.Fatalf("lines = %#v", second.Lines)
	}
}

func TestTailMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never-written.log")

	result, err := logs.Tail(context.Background(), path, logs.Options{Offset: -1, Lines: 5})
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(result.Lines) != 0 || result.NextOffset != 0 {
		t.Fatalf("result = %#v", result)
	}
}

func TestTailHoldsBackPartialLine(t *testing.T) {
	path := writeLog(t, "done\nhalf")

	result, err := logs.Tail(context.Background(), path, logs.Options{Offset: 0})
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(result.Lines) != 1 || result.Lines[0] != "done" {
		t.Fatalf("lines = %#v", result.Lines)
	}

	appendLog(t, path, " now\n")
	rest, err := logs.Tail(context.Background(), path, logs.Options{Offset: result.NextOffset})
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(rest.Lines) != 1 || rest.Lines[0] != "half now" {
		t.Fatalf("completed line = %#v", rest.Lines)
	}
}

func TestTailCursorSurvivesTruncation(t *testing.T) {
	path := writeLog(t, "short\n")

	result, err := logs.Tail(context.Background(), path, logs.Options{Offset: 9999})
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(result.Lines) != 0 {
		t.Fatalf("lines = %#v, want none after truncation", result.Lines)
	}
	if result.NextOffset != int64(len("short\n")) {
		t.Errorf("offset = %d, want file end", result.NextOffset)
	}
}

func TestTailFollowDeliversAppendedLines(t *testing.T) {
	path := writeLog(t, "start\n")

	start, err := logs.Tail(context.Background(), path, logs.Options{Offset: -1, Lines: 1})
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}

	done := make(chan logs.Result, 1)
	go func() {
		result, err := logs.Tail(context.Background(), path, logs.Options{
			Offset: start.NextOffset,
			Follow: true,
			Wait:   5 * time.Second,
		})
		if err != nil {
			t.Errorf("follow tail: %v", err)
		}
		done <- result
	}()

	time.Sleep(50 * time.Millisecond)
	appendLog(t, path, "later\n")

	select {
	case result := <-done:
		if len(result.Lines) != 1 || result.Lines[0] != "later" {
			t.Fatalf("follow lines = %#v", result.Lines)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("follow never returned")
	}
}

func TestTailFollowStopsAtWait(t *testing.T) {
	path := writeLog(t, "only\n")

	begun := time.Now()
	result, err := logs.Tail(context.Background(), path, logs.Options{
		Offset: int64(len("only\n")),
		Follow: true,
		Wait:   300 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(result.Lines) != 0 {
		t.Fatalf("lines = %#v", result.Lines)
	}
	if elapsed := time.Since(begun); elapsed > 5*time.Second {
		t.Errorf("follow blocked for %v", elapsed)
	}
}
