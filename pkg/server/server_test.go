package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/jordan-clayton/ribble-whisper/pkg/transcriber"
)

func TestSnapshotServer_BroadcastsToClients(t *testing.T) {
	srv := New(nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.After(2 * time.Second)
	for srv.ClientCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the client to register")
		case <-time.After(10 * time.Millisecond):
		}
	}

	want := transcriber.WhisperOutput{
		Snapshot: &transcriber.TranscriptionSnapshot{
			Confirmed: "hello there",
			Tentative: []string{"general"},
		},
	}
	srv.Broadcast(want)

	var got transcriber.WhisperOutput
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatalf("failed to read broadcast: %v", err)
	}
	if got.Snapshot == nil || got.Snapshot.Confirmed != "hello there" {
		t.Errorf("unexpected output: %+v", got)
	}
	if len(got.Snapshot.Tentative) != 1 || got.Snapshot.Tentative[0] != "general" {
		t.Errorf("unexpected tentative tail: %+v", got.Snapshot.Tentative)
	}
}

func TestSnapshotServer_Pump(t *testing.T) {
	srv := New(nil)

	outputs := make(chan transcriber.WhisperOutput, 2)
	outputs <- transcriber.WhisperOutput{Control: transcriber.ControlStartSpeaking}
	outputs <- transcriber.WhisperOutput{Control: transcriber.ControlEnded}
	close(outputs)

	var seen []transcriber.ControlPhrase
	srv.Pump(context.Background(), outputs, func(out transcriber.WhisperOutput) {
		seen = append(seen, out.Control)
	})

	if len(seen) != 2 || seen[0] != transcriber.ControlStartSpeaking || seen[1] != transcriber.ControlEnded {
		t.Errorf("unexpected pumped outputs: %v", seen)
	}
}

func TestSnapshotServer_BroadcastWithoutClients(t *testing.T) {
	srv := New(nil)
	// Must not panic or block with nobody connected.
	srv.Broadcast(transcriber.WhisperOutput{Control: transcriber.ControlIdle})
	if srv.ClientCount() != 0 {
		t.Errorf("expected no clients, got %d", srv.ClientCount())
	}
}
