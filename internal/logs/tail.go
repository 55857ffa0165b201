package logs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

const pollInterval = 250 * time.Millisecond

// Options controls one Tail call.
type Options struct {
	// Offset is the byte position to resume reading from. Negative
	// means "start with the last Lines lines of the file".
	Offset int64

	// Lines bounds how many lines a backward read returns. Ignored for
	// forward reads.
	Lines int

	// Follow keeps the call open for up to Wait when no new complete
	// lines exist yet.
	Follow bool
	Wait   time.Duration
}

// Result carries the lines read and the cursor for the next call.
type Result struct {
	Lines      []string
	NextOffset int64
}

// Tail reads log lines from path. Only newline-terminated lines are
// returned; a half-written trailing line stays unread until its newline
// arrives, so the cursor never splits a line across calls. A missing
// file yields an empty result with offset zero rather than an error.
func Tail(ctx context.Context, path string, opts Options) (Result, error) {
	if opts.Wait < 0 {
		opts.Wait = 0
	}

	var (
		result Result
		err    error
	)
	if opts.Offset < 0 {
		result, err = tailEnd(path, opts.Lines)
	} else {
		result, err = readAfter(path, opts.Offset)
	}
	if err != nil || len(result.Lines) > 0 || !opts.Follow || opts.Wait <= 0 {
		return result, err
	}

	// Long poll: re-read until a line lands or the wait expires.
	deadline := time.NewTimer(opts.Wait)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-deadline.C:
			return result, nil
		case <-ticker.C:
		}

		result, err = readAfter(path, result.NextOffset)
		if err != nil || len(result.Lines) > 0 {
			return result, err
		}
	}
}

// tailEnd returns the last limit lines and a cursor at the end of the
// file.
func tailEnd(path string, limit int) (Result, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("open log: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return Result{}, fmt.Errorf("stat log: %w", err)
	}
	result := Result{NextOffset: info.Size()}
	if limit <= 0 {
		return result, nil
	}

	recent := make([]string, 0, limit)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(recent) == limit {
			copy(recent, recent[1:])
			recent = recent[:limit-1]
		}
		recent = append(recent, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return Result{}, fmt.Errorf("read log: %w", err)
	}
	result.Lines = recent
	return result, nil
}

// readAfter returns every complete line written after offset. A cursor
// beyond the file size means the file was rotated or truncated; the
// cursor snaps to the new end instead of rereading old content.
func readAfter(path string, offset int64) (Result, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("open log: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return Result{}, fmt.Errorf("stat log: %w", err)
	}
	if offset > info.Size() {
		offset = info.Size()
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return Result{}, fmt.Errorf("seek log: %w", err)
	}

	reader := bufio.NewReader(file)
	result := Result{NextOffset: offset}
	for {
		line, err := reader.ReadString('\n')
		if err == nil {
			result.NextOffset += int64(len(line))
			result.Lines = append(result.Lines, strings.TrimRight(line, "\r\n"))
			continue
		}
		if errors.Is(err, io.EOF) {
			return result, nil
		}
		return Result{}, fmt.Errorf("read log: %w", err)
	}
}
