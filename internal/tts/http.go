package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lexiqai/speech-relay/internal/audio"
)

const httpReadBlock = 16 * 1024

// HTTPSynth posts text to a synthesis service and streams raw PCM back from
// the response body.
type HTTPSynth struct {
	url        string
	apiKey     string
	sampleRate int
	httpClient *http.Client
}

// HTTPRequest is the JSON body sent to the synthesis service.
type HTTPRequest struct {
	Text         string  `json:"text"`
	Voice        string  `json:"voice"`
	Speed        float64 `json:"speed"`
	SampleRate   int     `json:"sample_rate"`
	OutputFormat string  `json:"output_format"`
}

// NewHTTPSynth creates a client for the service at url.
func NewHTTPSynth(url, apiKey string, sampleRate int) *HTTPSynth {
	return &HTTPSynth{
		url:        url,
		apiKey:     apiKey,
		sampleRate: sampleRate,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

func (c *HTTPSynth) Name() string { return "http" }

func (c *HTTPSynth) Synthesize(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
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

func (c *HTTPSynth) stream(ctx context.Context, req Request, chunks chan<- Chunk) error {
	body, err := json.Marshal(HTTPRequest{
		Text:         req.Text,
		Voice:        req.Voice,
		Speed:        req.Speed,
		SampleRate:   c.sampleRate,
		OutputFormat: "pcm_f32le",
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("synthesis service returned status %d", resp.StatusCode)
	}

	rate := c.sampleRate
	if v := resp.Header.Get("X-Sample-Rate"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			rate = parsed
		}
	}
	format := resp.Header.Get("X-Audio-Format")

	width, err := audio.SampleWidth(format)
	if err != nil {
		return fmt.Errorf("synthesis response: %w", err)
	}

	// Each read is forwarded as soon as it holds whole samples; a partial
	// sample is carried to the front of buf for the next read.
	buf := make([]byte, httpReadBlock)
	pending := 0
	for {
		n, readErr := resp.Body.Read(buf[pending:])
		pending += n
		last := errors.Is(readErr, io.EOF)
		if readErr != nil && !last {
			return fmt.Errorf("read synthesis response: %w", readErr)
		}

		whole := pending - pending%width
		if last && whole != pending {
			return fmt.Errorf("synthesis response ends mid-sample with %d trailing bytes", pending-whole)
		}
		if whole > 0 {
			samples, err := audio.Decode(format, buf[:whole])
			if err != nil {
				return fmt.Errorf("synthesis response: %w", err)
			}
			if !emit(ctx, chunks, NewChunk(samples, rate, last)) {
				return ctx.Err()
			}
			pending = copy(buf, buf[whole:pending])
		}
		if last {
			return nil
		}
	}
}
