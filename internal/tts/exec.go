package tts

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/lexiqai/speech-relay/internal/audio"
)

// ExecSynth runs a local synthesis process per request. The process reads a
// JSON request on stdin and writes JSON lines of base64 PCM on stdout.
type ExecSynth struct {
	cmd        []string
	sampleRate int
}

type execRequest struct {
	Text       string  `json:"text"`
	Voice      string  `json:"voice"`
	Speed      float64 `json:"speed"`
	SampleRate int     `json:"sample_rate"`
}

type execResponse struct {
	PCMBase64  string `json:"pcm_base64"`
	Format     string `json:"format"` // f32le (default) or s16le
	SampleRate int    `json:"sample_rate"`
	Final      bool   `json:"final"`
	Error      string `json:"error"`
}

// NewExecSynth parses command with shell quoting rules.
func NewExecSynth(command string, sampleRate int) (*ExecSynth, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse synth command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("synth command empty")
	}
	return &ExecSynth{cmd: args, sampleRate: sampleRate}, nil
}

func (e *ExecSynth) Name() string { return "exec" }

func (e *ExecSynth) Synthesize(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	if strings.TrimSpace(req.Text) == "" {
		return failed(ErrEmptyText)
	}

	chunks, errs := newStreams()
	go func() {
		defer close(errs)
		defer close(chunks)
		if err := e.run(ctx, req, chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (e *ExecSynth) run(ctx context.Context, req Request, chunks chan<- Chunk) error {
	payload, err := json.Marshal(execRequest{
		Text:       req.Text,
		Voice:      req.Voice,
		Speed:      req.Speed,
		SampleRate: e.sampleRate,
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = strings.NewReader(string(payload) + "\n")
	cmd.WaitDelay = time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start synth command: %w", err)
	}

	streamErr := e.readResponses(ctx, bufio.NewScanner(stdout), chunks)
	if streamErr != nil {
		// Nobody reads stdout any more, so the process could block on a
		// full pipe. Kill it before waiting.
		cancel()
	}
	waitErr := cmd.Wait()
	if streamErr != nil {
		return streamErr
	}
	if waitErr != nil {
		return fmt.Errorf("synth command: %w", waitErr)
	}
	return nil
}

func (e *ExecSynth) readResponses(ctx context.Context, scanner *bufio.Scanner, chunks chan<- Chunk) error {
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return fmt.Errorf("decode synth output: %w", err)
		}
		if resp.Error != "" {
			return fmt.Errorf("synth command reported: %s", resp.Error)
		}

		raw, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			return fmt.Errorf("decode synth pcm: %w", err)
		}
		samples, err := audio.Decode(resp.Format, raw)
		if err != nil {
			return err
		}
		rate := resp.SampleRate
		if rate <= 0 {
			rate = e.sampleRate
		}
		if !emit(ctx, chunks, NewChunk(samples, rate, resp.Final)) {
			return ctx.Err()
		}
	}
	return scanner.Err()
}
