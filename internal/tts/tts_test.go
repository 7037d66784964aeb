package tts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/speech-relay/internal/audio"
	"github.com/lexiqai/speech-relay/internal/resilience"
)

func collect(t *testing.T, s Synthesizer, req Request) ([]Chunk, error) {
	t.Helper()
	var got []Chunk
	err := Stream(context.Background(), s, req, func(c Chunk) error {
		got = append(got, c)
		return nil
	})
	return got, err
}

func totalSamples(chunks []Chunk) int {
	n := 0
	for _, c := range chunks {
		n += len(c.Samples())
	}
	return n
}

func TestToneSynth_Deterministic(t *testing.T) {
	s := NewToneSynth(24000)
	req := Request{Text: "Hello from the relay", Voice: "af_sky", Speed: 1.0}

	first, err := collect(t, s, req)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	second, err := collect(t, s, req)
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}

	want := s.SampleCount(req.Text, req.Speed)
	if totalSamples(first) != want {
		t.Errorf("Expected %d samples, got %d", want, totalSamples(first))
	}
	if len(first) < 2 {
		t.Errorf("Expected incremental chunks, got %d", len(first))
	}
	if !first[len(first)-1].Final {
		t.Error("Expected last chunk to be final")
	}
	if first[0].SampleRate() != 24000 {
		t.Errorf("Expected sample rate 24000, got %d", first[0].SampleRate())
	}
	for i := range first {
		a, b := first[i].Samples(), second[i].Samples()
		for j := range a {
			if a[j] != b[j] {
				t.Fatalf("Chunk %d sample %d differs between runs", i, j)
			}
		}
	}
}

func TestToneSynth_SpeedShortensAudio(t *testing.T) {
	s := NewToneSynth(24000)
	normal := s.SampleCount("twelve chars", 1.0)
	fast := s.SampleCount("twelve chars", 2.0)
	if fast*2 != normal {
		t.Errorf("Expected double speed to halve samples: %d vs %d", fast, normal)
	}
}

func TestToneSynth_EmptyText(t *testing.T) {
	_, err := collect(t, NewToneSynth(24000), Request{Text: "   "})
	if !errors.Is(err, ErrEmptyText) {
		t.Errorf("Expected ErrEmptyText, got %v", err)
	}
}

func TestStream_CallbackErrorCancels(t *testing.T) {
	stop := errors.New("outbound gone")
	calls := 0
	err := Stream(context.Background(), NewToneSynth(24000), Request{Text: strings.Repeat("a", 100)}, func(Chunk) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Errorf("Expected callback error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected callback to run once, got %d", calls)
	}
}

func TestHTTPSynth_StreamsPCM(t *testing.T) {
	samples := make([]float32, 10000)
	for i := range samples {
		samples[i] = float32(i) / 10000
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req HTTPRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Text != "hi there" || req.Voice != "af_sky" || req.OutputFormat != "pcm_f32le" {
			http.Error(w, "unexpected request", http.StatusBadRequest)
			return
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("X-Sample-Rate", "22050")
		w.Write(audio.EncodeFloat32LE(samples))
	}))
	defer server.Close()

	s := NewHTTPSynth(server.URL, "secret", 24000)
	chunks, err := collect(t, s, Request{Text: "hi there", Voice: "af_sky", Speed: 1.0})
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}

	var got []float32
	for _, c := range chunks {
		if c.SampleRate() != 22050 {
			t.Errorf("Expected sample rate 22050, got %d", c.SampleRate())
		}
		got = append(got, c.Samples()...)
	}
	if len(got) != len(samples) {
		t.Fatalf("Expected %d samples, got %d", len(samples), len(got))
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Fatalf("Sample %d: expected %f, got %f", i, samples[i], got[i])
		}
	}
}

func TestHTTPSynth_BreakerOpensOnFailures(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "engine down", http.StatusInternalServerError)
	}))
	defer server.Close()

	cb := resilience.NewCircuitBreaker("synth_http", 2, time.Minute)
	s := WithBreaker(NewHTTPSynth(server.URL, "", 24000), cb)

	for i := 0; i < 2; i++ {
		if _, err := collect(t, s, Request{Text: "hello"}); err == nil {
			t.Fatal("Expected synthesis failure")
		}
	}
	_, err := collect(t, s, Request{Text: "hello"})
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("Expected 2 requests to reach the engine, got %d", hits.Load())
	}
}

func TestWebSocketSynth_Streams(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req HTTPRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		conn.WriteJSON(wsControl{SampleRate: 16000})
		conn.WriteMessage(websocket.BinaryMessage, audio.EncodeFloat32LE([]float32{0.1, 0.2}))
		conn.WriteMessage(websocket.BinaryMessage, audio.EncodeFloat32LE([]float32{0.3}))
		conn.WriteJSON(wsControl{Done: true})
		conn.ReadMessage()
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	chunks, err := collect(t, NewWebSocketSynth(url, "", 24000), Request{Text: "hello"})
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("Expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].SampleRate() != 16000 {
		t.Errorf("Expected sample rate 16000, got %d", chunks[0].SampleRate())
	}
	if totalSamples(chunks) != 3 {
		t.Errorf("Expected 3 samples, got %d", totalSamples(chunks))
	}
}

func TestWebSocketSynth_ErrorMessage(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req HTTPRequest
		conn.ReadJSON(&req)
		conn.WriteJSON(wsControl{Error: "voice not found"})
		conn.ReadMessage()
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	_, err := collect(t, NewWebSocketSynth(url, "", 24000), Request{Text: "hello"})
	if err == nil || !strings.Contains(err.Error(), "voice not found") {
		t.Errorf("Expected engine error, got %v", err)
	}
}

func TestExecSynth(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	// AACAPw== is a single little-endian float32 1.0
	command := `sh -c 'cat >/dev/null; echo "{\"pcm_base64\":\"AACAPw==\",\"sample_rate\":16000,\"final\":true}"'`
	s, err := NewExecSynth(command, 24000)
	if err != nil {
		t.Fatalf("NewExecSynth failed: %v", err)
	}

	chunks, err := collect(t, s, Request{Text: "hello"})
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if len(chunks) != 1 {
		t.Fatalf("Expected 1 chunk, got %d", len(chunks))
	}
	if got := chunks[0].Samples(); len(got) != 1 || got[0] != 1.0 {
		t.Errorf("Expected [1.0], got %v", got)
	}
	if chunks[0].SampleRate() != 16000 {
		t.Errorf("Expected sample rate 16000, got %d", chunks[0].SampleRate())
	}
}

func TestNewExecSynth_EmptyCommand(t *testing.T) {
	if _, err := NewExecSynth("   ", 24000); err == nil {
		t.Error("Expected error for empty command")
	}
}

func TestHTTPSynth_ForwardsBeforeBodyCompletes(t *testing.T) {
	samples := make([]float32, 300)
	for i := range samples {
		samples[i] = float32(i) / 300
	}
	pcm := audio.EncodeFloat32LE(samples)

	firstSeen := make(chan struct{})
	var releasedByClient atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 402 bytes ends half way through sample 101.
		w.Write(pcm[:402])
		w.(http.Flusher).Flush()
		select {
		case <-firstSeen:
			releasedByClient.Store(true)
		case <-time.After(2 * time.Second):
		}
		w.Write(pcm[402:])
	}))
	defer server.Close()

	var got []float32
	var chunkCount int
	err := Stream(context.Background(), NewHTTPSynth(server.URL, "", 24000), Request{Text: "hello"}, func(c Chunk) error {
		chunkCount++
		if chunkCount == 1 {
			close(firstSeen)
		}
		got = append(got, c.Samples()...)
		return nil
	})
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}

	if !releasedByClient.Load() {
		t.Error("Expected the first chunk before the response body completed")
	}
	if chunkCount < 2 {
		t.Errorf("Expected at least 2 chunks, got %d", chunkCount)
	}
	if len(got) != len(samples) {
		t.Fatalf("Expected %d samples, got %d", len(samples), len(got))
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Fatalf("Sample %d: expected %f, got %f", i, samples[i], got[i])
		}
	}
}

func TestHTTPSynth_TrailingPartialSample(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte{0, 0, 128, 63, 1, 2})
	}))
	defer server.Close()

	_, err := collect(t, NewHTTPSynth(server.URL, "", 24000), Request{Text: "hello"})
	if err == nil || !strings.Contains(err.Error(), "mid-sample") {
		t.Errorf("Expected mid-sample error, got %v", err)
	}
}

// stallingSynth blocks until the caller cancels when stall is set and
// otherwise returns one chunk.
type stallingSynth struct {
	stall atomic.Bool
}

func (s *stallingSynth) Name() string { return "stalling" }

func (s *stallingSynth) Synthesize(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	chunks, errs := newStreams()
	go func() {
		defer close(errs)
		defer close(chunks)
		if s.stall.Load() {
			<-ctx.Done()
			errs <- ctx.Err()
			return
		}
		emit(ctx, chunks, NewChunk([]float32{0.5}, 24000, true))
	}()
	return chunks, errs
}

func TestWithBreaker_RecoversAfterCancelledHalfOpenRequests(t *testing.T) {
	engine := &stallingSynth{}
	cb := resilience.NewCircuitBreaker("synth_stalling", 1, 10*time.Millisecond)
	cb.RecordResult(false)
	s := WithBreaker(engine, cb)

	time.Sleep(20 * time.Millisecond)
	engine.stall.Store(true)
	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		err := Stream(ctx, s, Request{Text: "hello"}, func(Chunk) error { return nil })
		cancel()
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("Expected request %d to be cancelled, got %v", i+1, err)
		}
	}

	engine.stall.Store(false)
	for i := 0; i < 5; i++ {
		chunks, err := collect(t, s, Request{Text: "hello"})
		if err != nil {
			t.Fatalf("Expected request %d to pass, got %v (state %s)", i+1, err, cb.GetState())
		}
		if len(chunks) != 1 {
			t.Errorf("Expected 1 chunk, got %d", len(chunks))
		}
	}
	if cb.GetState() != resilience.StateClosed {
		t.Errorf("Expected Closed, got %s", cb.GetState())
	}
}

func TestExecSynth_BadOutputStopsProcess(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	command := `sh -c 'read x; echo notjson; head -c 2000000 /dev/zero | tr "\0" "a"; sleep 30'`
	s, err := NewExecSynth(command, 24000)
	if err != nil {
		t.Fatalf("NewExecSynth failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	start := time.Now()
	err = Stream(ctx, s, Request{Text: "hello"}, func(Chunk) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "decode synth output") {
		t.Errorf("Expected decode error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Expected the command to be stopped promptly, took %v", elapsed)
	}
}
