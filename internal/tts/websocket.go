package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/speech-relay/internal/audio"
)

// WebSocketSynth streams from a synthesis service over a WebSocket: one JSON
// request out, binary float32 frames back, closed by a JSON control message.
type WebSocketSynth struct {
	url        string
	apiKey     string
	sampleRate int
	dialer     *websocket.Dialer
}

type wsControl struct {
	Done       bool   `json:"done"`
	Error      string `json:"error"`
	SampleRate int    `json:"sample_rate"`
}

// NewWebSocketSynth creates a client for the service at url (ws:// or wss://).
func NewWebSocketSynth(url, apiKey string, sampleRate int) *WebSocketSynth {
	return &WebSocketSynth{
		url:        url,
		apiKey:     apiKey,
		sampleRate: sampleRate,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

func (c *WebSocketSynth) Name() string { return "websocket" }

func (c *WebSocketSynth) Synthesize(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	if strings.TrimSpace(req.Text) == "" {
		return failed(ErrEmptyText)
	}

	chunks, errs := newStreams()
	go func() {
		defer close(errs)
		defer close(chunks)
		if err := c.stream(ctx, req, chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (c *WebSocketSynth) stream(ctx context.Context, req Request, chunks chan<- Chunk) error {
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close()

	// Unblock ReadMessage when the caller gives up.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.WriteJSON(HTTPRequest{
		Text:         req.Text,
		Voice:        req.Voice,
		Speed:        req.Speed,
		SampleRate:   c.sampleRate,
		OutputFormat: "pcm_f32le",
	}); err != nil {
		return fmt.Errorf("send synthesis request: %w", err)
	}

	rate := c.sampleRate
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read synthesis stream: %w", err)
		}

		switch msgType {
		case websocket.BinaryMessage:
			samples, err := audio.DecodeFloat32LE(data)
			if err != nil {
				return fmt.Errorf("synthesis stream: %w", err)
			}
			if !emit(ctx, chunks, NewChunk(samples, rate, false)) {
				return ctx.Err()
			}
		case websocket.TextMessage:
			var ctrl wsControl
			if err := json.Unmarshal(data, &ctrl); err != nil {
				return fmt.Errorf("decode control message: %w", err)
			}
			if ctrl.Error != "" {
				return errors.New("synthesis service: " + ctrl.Error)
			}
			if ctrl.SampleRate > 0 {
				rate = ctrl.SampleRate
			}
			if ctrl.Done {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return nil
			}
		}
	}
}
