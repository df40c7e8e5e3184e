package assistant

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/phillipcheng/claude-task-automation-server/internal/ndjson"
	"github.com/phillipcheng/claude-task-automation-server/internal/taskerr"
	"github.com/phillipcheng/claude-task-automation-server/internal/taskmodel"
)

// DefaultIdleTimeout is how long the stream may stay silent before the
// subprocess is treated as hung
const DefaultIdleTimeout = 300 * time.Second

// SendRequest is one conversation turn to dispatch to the assistant
type SendRequest struct {
	TaskID    string
	Prompt    string
	SessionID string // resume id; empty starts a fresh session
	WorkDir   string
	Images    []taskmodel.ImageAttachment

	// OnStart is invoked once the subprocess is running, with its pid
	OnStart func(pid int)

	// OnEvent is invoked synchronously for every parsed record before Send
	// returns. It is where interactions get persisted and published.
	OnEvent func(*Event)
}

// SendResult is the outcome of one assistant turn
type SendResult struct {
	FullText     string
	SubprocessID int
	SessionID    string // set only when a fresh session produced an init record
	Usage        taskmodel.Usage
}

// Client drives one assistant subprocess per Send call and exposes its
// event stream
type Client struct {
	command     string
	runner      *Runner
	streams     *StreamLog
	logger      *slog.Logger
	idleTimeout time.Duration
}

// NewClient creates a streaming assistant client. streams may be nil to
// disable raw stream capture.
func NewClient(command string, streams *StreamLog, logger *slog.Logger) *Client {
	if command == "" {
		command = DefaultCommand
	}
	return &Client{
		command:     command,
		runner:      NewRunner(logger),
		streams:     streams,
		logger:      logger,
		idleTimeout: DefaultIdleTimeout,
	}
}

// SetIdleTimeout overrides the hang-detection window (tests use a short one)
func (c *Client) SetIdleTimeout(d time.Duration) {
	c.idleTimeout = d
}

type streamItem struct {
	line []byte
	err  error
}

// Send runs one assistant turn and blocks until the subprocess exits or is
// cancelled. Cancellation interrupts the process group, drains the stream
// for the grace window (events read during drain still reach OnEvent), and
// force-kills.
func (c *Client) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	imagePaths, cleanup, err := materializeImages(req.Images)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	proc, err := c.runner.Start(ctx, Invocation{
		Command:    c.command,
		Prompt:     req.Prompt,
		SessionID:  req.SessionID,
		WorkDir:    req.WorkDir,
		ImagePaths: imagePaths,
	})
	if err != nil {
		return nil, err
	}

	result := &SendResult{SubprocessID: proc.PID()}
	if req.OnStart != nil {
		req.OnStart(proc.PID())
	}

	items := make(chan streamItem)
	go c.readStream(proc.Stdout(), items)

	var fullText strings.Builder
	var resultText string
	var usage taskmodel.Usage
	sawEvent := false
	cancelled := false

	idle := time.NewTimer(c.idleTimeout)
	defer idle.Stop()

loop:
	for {
		select {
		case item, ok := <-items:
			if !ok {
				break loop
			}
			if item.err != nil {
				if errors.Is(item.err, taskerr.ErrChunkTooLarge) {
					c.logger.Warn("dropped oversized assistant record",
						"task_id", req.TaskID, "error", item.err)
					continue
				}
				c.logger.Error("assistant stream read failed",
					"task_id", req.TaskID, "error", item.err)
				break loop
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(c.idleTimeout)
			sawEvent = true
			c.handleLine(req, item.line, result, &fullText, &resultText, &usage)

		case <-ctx.Done():
			cancelled = true
			c.logger.Info("cancelling assistant turn",
				"task_id", req.TaskID, "pid", proc.PID())
			proc.Interrupt()
			c.drain(req, items, result, &fullText, &resultText, &usage)
			proc.Kill()
			break loop

		case <-idle.C:
			c.logger.Error("assistant stream idle past timeout",
				"task_id", req.TaskID, "pid", proc.PID(), "timeout", c.idleTimeout)
			proc.Interrupt()
			c.drain(req, items, result, &fullText, &resultText, &usage)
			proc.Kill()
			go discard(items)
			_ = proc.Wait()
			return nil, fmt.Errorf("no event for %s: %w", c.idleTimeout, taskerr.ErrAssistantTimeout)
		}
	}

	// unblock the reader goroutine if it still holds undelivered lines
	go discard(items)
	waitErr := proc.Wait()

	if resultText != "" {
		result.FullText = resultText
	} else {
		result.FullText = strings.TrimSpace(fullText.String())
	}
	result.Usage = usage

	if cancelled {
		return result, context.Canceled
	}
	if waitErr != nil && !sawEvent {
		return nil, fmt.Errorf("assistant exited without output: %v: stderr: %s: %w",
			waitErr, strings.TrimSpace(proc.Stderr()), taskerr.ErrSubprocessSpawnFailed)
	}
	if waitErr != nil {
		c.logger.Warn("assistant exited non-zero, keeping partial output",
			"task_id", req.TaskID, "error", waitErr,
			"stderr", strings.TrimSpace(proc.Stderr()))
	}
	return result, nil
}

func discard(items <-chan streamItem) {
	for range items {
	}
}

// readStream pumps raw lines into the channel until EOF or a fatal read
// error. Oversized-record errors are forwarded and reading continues.
func (c *Client) readStream(r io.Reader, items chan<- streamItem) {
	defer close(items)
	dec := ndjson.NewDecoder(r, c.logger)
	for {
		line, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			items <- streamItem{err: err}
			if errors.Is(err, taskerr.ErrChunkTooLarge) {
				continue
			}
			return
		}
		items <- streamItem{line: line}
	}
}

// drain keeps consuming stream items for the kill-grace window so events
// already written by the assistant are not lost on cancellation
func (c *Client) drain(req SendRequest, items <-chan streamItem, result *SendResult, fullText *strings.Builder, resultText *string, usage *taskmodel.Usage) {
	deadline := time.NewTimer(killGrace)
	defer deadline.Stop()
	for {
		select {
		case item, ok := <-items:
			if !ok {
				return
			}
			if item.err != nil {
				continue
			}
			c.handleLine(req, item.line, result, fullText, resultText, usage)
		case <-deadline.C:
			return
		}
	}
}

func (c *Client) handleLine(req SendRequest, line []byte, result *SendResult, fullText *strings.Builder, resultText *string, usage *taskmodel.Usage) {
	if c.streams != nil {
		if err := c.streams.WriteLine(req.TaskID, line); err != nil {
			c.logger.Warn("failed to capture stream line", "task_id", req.TaskID, "error", err)
		}
	}

	var event Event
	if err := json.Unmarshal(line, &event); err != nil {
		// non-JSON noise on stdout is skipped, matching the CLI contract
		c.logger.Debug("skipping unparseable stream line", "task_id", req.TaskID, "error", err)
		return
	}
	event.Raw = json.RawMessage(line)

	switch {
	case event.IsInit():
		// a fresh session announces its id exactly once; never let a later
		// record overwrite it
		if req.SessionID == "" && result.SessionID == "" && event.SessionID != "" {
			result.SessionID = event.SessionID
		}

	case event.Type == EventTypeAssistant:
		fullText.WriteString(event.TextContent())
		if event.Usage != nil {
			usage.Add(taskmodel.Usage{
				InputTokens:         event.Usage.InputTokens,
				OutputTokens:        event.Usage.OutputTokens,
				CacheCreationTokens: event.Usage.CacheCreationTokens,
				CacheReadTokens:     event.Usage.CacheReadTokens,
			})
		}

	case event.Type == EventTypeResult:
		// the result tally is authoritative for the turn
		if event.Result != "" {
			*resultText = event.Result
		}
		if event.Usage != nil {
			usage.InputTokens = event.Usage.InputTokens
			usage.OutputTokens = event.Usage.OutputTokens
			usage.CacheCreationTokens = event.Usage.CacheCreationTokens
			usage.CacheReadTokens = event.Usage.CacheReadTokens
		}
		usage.Cost = event.TotalCostUSD
		usage.DurationMs = event.DurationMs
	}

	if req.OnEvent != nil {
		req.OnEvent(&event)
	}
}

// materializeImages writes base64 attachments to temp files for the
// --image flag and returns a cleanup that removes them
func materializeImages(images []taskmodel.ImageAttachment) ([]string, func(), error) {
	if len(images) == 0 {
		return nil, func() {}, nil
	}

	var paths []string
	cleanup := func() {
		for _, p := range paths {
			_ = os.Remove(p)
		}
	}

	for i, img := range images {
		data, err := base64.StdEncoding.DecodeString(img.Base64)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("image %d is not valid base64: %v: %w", i, err, taskerr.ErrValidation)
		}
		f, err := os.CreateTemp("", "assistant-image-*"+extForMediaType(img.MediaType))
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("failed to create temp image: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			cleanup()
			return nil, nil, fmt.Errorf("failed to write temp image: %w", err)
		}
		f.Close()
		paths = append(paths, f.Name())
	}
	return paths, cleanup, nil
}

func extForMediaType(mediaType string) string {
	switch mediaType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".img"
	}
}
