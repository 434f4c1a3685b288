package journal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cexll/sessionkit/pkg/content"
	"github.com/cexll/sessionkit/pkg/transcript"
)

func sampleEntries() []transcript.Entry {
	call := transcript.ToolCall{ID: "call-1", Name: "weather", Arguments: content.Object(content.F("city", content.String("Paris")))}
	entries := []transcript.Entry{
		transcript.Prompt(transcript.Text("weather in Paris?")),
		transcript.ToolCalls(call),
		transcript.ToolOutput(call, []transcript.Segment{transcript.Structured(content.Object(content.F("temp", content.Int(21))), "weather")}, false),
		transcript.Response(transcript.Text("It is 21C."), transcript.ImageURL("https://example.com/sun.png")),
	}
	for i := range entries {
		entries[i].ID = transcript.NewID()
	}
	return entries
}

func TestJournalAppendLoad(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, WithDisabledSync())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	entries := sampleEntries()
	if err := j.Append(context.Background(), "s1", entries[:2]...); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := j.Append(context.Background(), "s1", entries[2:]...); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	j, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.Close()
	loaded, err := j.Load(context.Background(), "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != len(entries) {
		t.Fatalf("loaded %d entries, want %d", len(loaded), len(entries))
	}
	for i := range entries {
		if loaded[i].ID != entries[i].ID || loaded[i].Kind != entries[i].Kind {
			t.Fatalf("entry %d = %+v, want %+v", i, loaded[i], entries[i])
		}
	}
	args := loaded[1].ToolCalls[0].Arguments
	if args.String() != `{"city":"Paris"}` {
		t.Fatalf("arguments = %s", args)
	}
	if got, _ := loaded[2].Structured(); got.String() != `{"temp":21}` {
		t.Fatalf("structured = %s", got)
	}
	if loaded[3].Segments[1].Image.URL != "https://example.com/sun.png" {
		t.Fatalf("image segment lost: %+v", loaded[3].Segments[1])
	}
}

func TestJournalMissingSessionIsEmpty(t *testing.T) {
	j, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()
	entries, err := j.Load(context.Background(), "nobody")
	if err != nil || len(entries) != 0 {
		t.Fatalf("expected empty transcript, got %v %v", entries, err)
	}
}

func TestJournalTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()
	j, _ := Open(dir, WithDisabledSync())
	entries := sampleEntries()
	if err := j.Append(context.Background(), "s1", entries[0]); err != nil {
		t.Fatalf("append: %v", err)
	}
	j.Close()

	path := filepath.Join(dir, "s1"+fileSuffix)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	if _, err := f.Write([]byte{0x5E, 0x55, 0xC0}); err != nil {
		t.Fatalf("write torn bytes: %v", err)
	}
	f.Close()

	j, _ = Open(dir, WithDisabledSync())
	defer j.Close()
	if err := j.Append(context.Background(), "s1", entries[1]); err != nil {
		t.Fatalf("append after crash: %v", err)
	}
	loaded, err := j.Load(context.Background(), "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 2 || loaded[1].ID != entries[1].ID {
		t.Fatalf("unexpected entries after recovery: %+v", loaded)
	}
}

func TestJournalDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	j, _ := Open(dir, WithDisabledSync())
	if err := j.Append(context.Background(), "s1", sampleEntries()[0]); err != nil {
		t.Fatalf("append: %v", err)
	}
	j.Close()

	path := filepath.Join(dir, "s1"+fileSuffix)
	data, _ := os.ReadFile(path)
	data[headerSize+2] ^= 0xFF
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	j, _ = Open(dir)
	defer j.Close()
	if _, err := j.Load(context.Background(), "s1"); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestJournalRejectsInvalidIDsAndClosed(t *testing.T) {
	j, _ := Open(t.TempDir())
	if err := j.Append(context.Background(), "../escape", sampleEntries()[0]); err == nil {
		t.Fatalf("expected invalid id error")
	}
	j.Close()
	if _, err := j.Load(context.Background(), "s1"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

// shortWriter lands half of every write on the real file and then fails.
type shortWriter struct {
	appendFile
}

func (w shortWriter) Write(p []byte) (int, error) {
	n, _ := w.appendFile.Write(p[:len(p)/2])
	return n, errors.New("disk full")
}

func TestJournalRecoversAfterFailedWrite(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, WithDisabledSync())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()
	ctx := context.Background()
	entries := sampleEntries()
	if err := j.Append(ctx, "s1", entries[0]); err != nil {
		t.Fatalf("append: %v", err)
	}

	j.mu.Lock()
	j.files["s1"] = shortWriter{appendFile: j.files["s1"]}
	j.mu.Unlock()
	if err := j.Append(ctx, "s1", entries[1]); err == nil {
		t.Fatal("expected write failure")
	}
	j.mu.Lock()
	_, cached := j.files["s1"]
	j.mu.Unlock()
	if cached {
		t.Fatal("failed handle still cached")
	}

	if err := j.Append(ctx, "s1", entries[2]); err != nil {
		t.Fatalf("append after failure: %v", err)
	}
	loaded, err := j.Load(ctx, "s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 2 || loaded[0].ID != entries[0].ID || loaded[1].ID != entries[2].ID {
		t.Fatalf("unexpected entries after recovery: %+v", loaded)
	}
}
