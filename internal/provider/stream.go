package provider

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/llmtrace/gateway/internal/core"
)

// StreamResult summarises a finished (or aborted) streamed dispatch.
type StreamResult struct {
	Provider Name
	// Usage merges provider-reported usage frames. Completion may be zero
	// when the provider never reported; the accountant estimates then.
	Usage core.TokenUsage
	// OutputText is the reconstruction of the streamed content.
	OutputText string
	// FirstChunkSent is true once any frame reached the client. Cache
	// writes and retries are both off the table after that.
	FirstChunkSent bool
}

// Stream forwards an SSE response from the upstream to the client while
// reconstructing it out of band. Chunks flow one at a time; a paused client
// pauses upstream reads, and a closed client cancels them.
func (d *Dispatcher) Stream(ctx context.Context, req *core.ProxyRequest, w http.ResponseWriter) (*StreamResult, *core.Error) {
	client, cerr := d.registry.Resolve(req.Model)
	if cerr != nil {
		return nil, cerr
	}
	name := client.Name()
	result := &StreamResult{Provider: name}

	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, core.NewError(core.KindInternal, "streaming_unsupported", "response writer does not support streaming")
	}

	var lastErr *core.Error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 {
			if d.metrics != nil {
				d.metrics.UpstreamRetries.WithLabelValues(string(name)).Inc()
			}
			select {
			case <-time.After(jittered(retryBackoff[attempt-1])):
			case <-ctx.Done():
				return nil, NormalizeTransportError(name, ctx.Err())
			}
		}

		serr := d.streamOnce(ctx, client, req, w, flusher, result)
		if serr == nil {
			return result, nil
		}
		lastErr = serr
		// Once bytes have reached the client the stream cannot restart.
		if result.FirstChunkSent || !Retryable(serr) {
			break
		}
		d.logger.Printf("⚠️ %s stream attempt %d failed before first chunk: %v", name, attempt+1, serr)
	}
	if result.FirstChunkSent {
		// The client already has a partial stream; report what we have so
		// accounting still happens.
		d.logger.Printf("⚠️ %s stream aborted mid-flight: %v", name, lastErr)
		return result, lastErr
	}
	return nil, lastErr
}

func (d *Dispatcher) streamOnce(ctx context.Context, client Client, req *core.ProxyRequest, w http.ResponseWriter, flusher http.Flusher, result *StreamResult) *core.Error {
	name := client.Name()
	br := d.breakers[name]
	if err := br.allow(); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	resp, err := client.Send(callCtx, req)
	if err != nil {
		br.record(false)
		d.observe(name, "error", start, br)
		return NormalizeTransportError(name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		serr := NormalizeStatusError(name, resp.StatusCode, body)
		br.record(resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests)
		d.observe(name, "status_error", start, br)
		return serr
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var output strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue // event: lines, comments, blank separators
		}
		payload := bytes.TrimSpace(line[len("data:"):])
		if len(payload) == 0 {
			continue
		}

		chunk := client.DecodeChunk(req, payload)
		for _, frame := range chunk.Frames {
			if err := writeSSE(w, flusher, frame); err != nil {
				br.record(true) // upstream was fine, the client went away
				d.observe(name, "client_gone", start, br)
				return core.WrapError(core.KindInternal, "client_disconnected", "client closed the stream", err)
			}
			result.FirstChunkSent = true
		}
		output.WriteString(chunk.DeltaText)
		if chunk.Usage != nil {
			mergeUsage(&result.Usage, chunk.Usage)
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		br.record(false)
		d.observe(name, "error", start, br)
		result.OutputText = output.String()
		return NormalizeTransportError(name, err)
	}

	// Terminator goes out even when the upstream omitted it.
	if err := writeSSE(w, flusher, []byte("[DONE]")); err == nil {
		result.FirstChunkSent = true
	}

	result.OutputText = output.String()
	if result.Usage.Total == 0 {
		result.Usage.Total = result.Usage.Prompt + result.Usage.Completion
	}

	br.record(true)
	d.observe(name, "ok", start, br)
	return nil
}

// writeSSE emits one "data: ...\n\n" frame and flushes it.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, payload []byte) error {
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func mergeUsage(dst, src *core.TokenUsage) {
	if src.Prompt > 0 {
		dst.Prompt = src.Prompt
	}
	if src.Completion > 0 {
		dst.Completion = src.Completion
	}
	if src.Total > 0 {
		dst.Total = src.Total
	}
}
