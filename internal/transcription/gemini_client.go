package transcription

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/resonance/transcribe-relay/internal/config"
	"github.com/resonance/transcribe-relay/internal/observability"
	"github.com/resonance/transcribe-relay/internal/resilience"
)

// ErrEmptyResponse is reported when a successful response carried no usable fragment
// and the client is configured to treat that as a failure.
var ErrEmptyResponse = errors.New("gemini response contained no transcription")

// errStopped marks a stream abandoned by its consumer.
var errStopped = errors.New("stream consumer stopped")

// StatusError is returned for a non-2xx backend answer.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("gemini returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("gemini returned HTTP %d: %s", e.StatusCode, e.Body)
}

// GeminiClient transcribes audio chunks with Gemini's streamGenerateContent endpoint.
// It holds no per-call state and is safe for concurrent use.
type GeminiClient struct {
	endpoint      string
	apiKey        string
	keyErr        error
	instruction   string
	mimeType      string
	minChunkBytes int
	emptyAsError  bool
	repair        bool

	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
	logger     zerolog.Logger
}

// NewGeminiClient creates a client from configuration. The API key is copied in
// once; it is never re-read.
func NewGeminiClient(cfg *config.Config, logger zerolog.Logger) *GeminiClient {
	breaker := resilience.NewCircuitBreaker(
		"gemini",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
	)
	breaker.OnStateChange(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
		logger.Warn().Str("service", name).Str("state", state.String()).Msg("Circuit breaker state changed")
	})

	return &GeminiClient{
		endpoint: fmt.Sprintf("%s/models/%s:streamGenerateContent",
			strings.TrimRight(cfg.GeminiBaseURL, "/"), cfg.GeminiModel),
		apiKey:        cfg.GeminiAPIKey,
		keyErr:        cfg.CheckAPIKey(),
		instruction:   cfg.Instruction,
		mimeType:      cfg.AudioMimeType,
		minChunkBytes: cfg.MinChunkBytes,
		emptyAsError:  cfg.EmptyResponseAsError,
		repair:        cfg.RepairMalformedFragments,
		// No client-wide timeout: responses stream, and callers bound each
		// chunk with their own context.
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		breaker: breaker,
		logger:  logger.With().Str("component", "gemini").Logger(),
	}
}

// Stream transcribes one audio chunk and yields text fragments in the order the
// backend emits them. Chunks smaller than the size gate yield nothing and make
// no request. A failure is yielded once, as the last element, with empty text.
// Malformed fragments are skipped silently.
func (c *GeminiClient) Stream(ctx context.Context, audio []byte) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if len(audio) < c.minChunkBytes {
			return
		}
		if err := c.breaker.Allow(); err != nil {
			observability.RecordBackendRequest("rejected", 0)
			yield("", err)
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		start := time.Now()
		n, err := c.do(ctx, audio, func(text string) bool {
			return yield(text, nil)
		})
		if errors.Is(err, errStopped) {
			c.breaker.Record(context.Canceled)
			observability.RecordBackendRequest("abandoned", time.Since(start))
			return
		}
		c.breaker.Record(err)
		observability.RecordBackendRequest(requestStatus(err), time.Since(start))

		if err == nil && n == 0 && c.emptyAsError {
			err = ErrEmptyResponse
		}
		if err == nil {
			return
		}
		if !errors.Is(err, context.Canceled) {
			c.logger.Error().Err(err).Int("bytes", len(audio)).Int("fragments", n).Msg("Gemini transcription failed")
		}
		yield("", err)
	}
}

// Transcribe is Stream without the error: any failure ends the sequence early.
func (c *GeminiClient) Transcribe(ctx context.Context, audio []byte) iter.Seq[string] {
	return func(yield func(string) bool) {
		for text, err := range c.Stream(ctx, audio) {
			if err != nil || !yield(text) {
				return
			}
		}
	}
}

// Ready reports whether transcriptions can currently succeed.
func (c *GeminiClient) Ready(ctx context.Context) (bool, error) {
	if c.keyErr != nil {
		return false, c.keyErr
	}
	if c.breaker.State() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}

// do issues the request and feeds every extracted fragment to emit.
// It returns the number of fragments emitted.
func (c *GeminiClient) do(ctx context.Context, audio []byte, emit func(string) bool) (int, error) {
	req, err := c.newRequest(ctx, audio)
	if err != nil {
		return 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, fmt.Errorf("gemini request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	scanner := newFragmentScanner(resp.Body)
	emitted, skipped := 0, 0
	for {
		raw, err := scanner.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return emitted, ctxErr
			}
			return emitted, fmt.Errorf("reading gemini stream: %w", err)
		}

		text, ok := extractText(raw, c.repair)
		if !ok {
			skipped++
			continue
		}
		emitted++
		if !emit(text) {
			return emitted, errStopped
		}
	}

	if skipped > 0 {
		c.logger.Debug().Int("skipped", skipped).Int("fragments", emitted).Msg("Skipped unusable response fragments")
	}
	return emitted, nil
}

func (c *GeminiClient) newRequest(ctx context.Context, audio []byte) (*http.Request, error) {
	instruction := c.instruction
	payload := GenerateContentRequest{
		Contents: []Content{{
			Parts: []Part{
				{Text: &instruction},
				{InlineData: &InlineData{
					MimeType: c.mimeType,
					Data:     base64.StdEncoding.EncodeToString(audio),
				}},
			},
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode gemini request: %w", err)
	}

	u := c.endpoint + "?" + url.Values{"key": {c.apiKey}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func requestStatus(err error) string {
	var statusErr *StatusError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &statusErr):
		return fmt.Sprintf("http_%d", statusErr.StatusCode)
	default:
		return "error"
	}
}
