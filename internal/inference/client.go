// Package inference calls the remote two-stage sepsis risk model. The
// endpoints are consumed as a black box: the client serializes a stage's
// features, posts them, and hands back whatever score the model returns.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/spotsepsis/intake/internal/intakeerr"
	"github.com/spotsepsis/intake/internal/schema"
)

const (
	defaultS1URL   = "https://sepsis-spotter-beta.onrender.com/s1_infer"
	defaultS2URL   = "https://sepsis-spotter-beta.onrender.com/s2_infer"
	defaultTimeout = 30 * time.Second
	maxAttempts    = 3
)

// Result is the model's reply for one run.
type Result struct {
	Stage        schema.Stage    `json:"stage"`
	Decision     string          `json:"decision"`
	Risk         *float64        `json:"risk,omitempty"`
	ModelVersion string          `json:"model_version,omitempty"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

// Runner is the boundary the session controller depends on.
type Runner interface {
	Run(ctx context.Context, stage schema.Stage, features map[string]float64) (Result, error)
}

type failureClass int

const (
	failureTimeout failureClass = iota
	failureRateLimit
	failureServer
	failureClient
	failureTransport
)

type Client struct {
	s1URL string
	s2URL string
	http  *http.Client
}

func NewClient(s1URL, s2URL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		s1URL: strings.TrimRight(s1URL, "/"),
		s2URL: strings.TrimRight(s2URL, "/"),
		http:  &http.Client{Timeout: timeout},
	}
}

func NewClientFromEnv() *Client {
	s1 := strings.TrimSpace(os.Getenv("SEPSIS_API_URL_S1"))
	if s1 == "" {
		s1 = defaultS1URL
	}
	s2 := strings.TrimSpace(os.Getenv("SEPSIS_API_URL_S2"))
	if s2 == "" {
		s2 = defaultS2URL
	}
	return NewClient(s1, s2, defaultTimeout)
}

// Features assembles the payload for one stage: every declared field of
// that stage present in the sheet's current mapping. Required fields are
// guaranteed by the completeness evaluator; a missing one here is a
// caller bug surfaced by the remote model, not silently patched.
func Features(reg *schema.Registry, current map[string]schema.Value, stage schema.Stage) map[string]float64 {
	out := map[string]float64{}
	for _, f := range reg.StageFields(stage) {
		if f.Type == schema.TypeText {
			continue
		}
		if v, ok := current[f.Name]; ok {
			out[f.Name] = v.Num
		}
	}
	return out
}

func (c *Client) Run(ctx context.Context, stage schema.Stage, features map[string]float64) (Result, error) {
	ctx, span := otel.Tracer("intake/inference").Start(ctx, "inference.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("stage", string(stage)),
		attribute.Int("feature_count", len(features)),
	)

	url := c.s1URL
	if stage == schema.StageS2 {
		url = c.s2URL
	}
	payload, err := json.Marshal(map[string]any{"features": features})
	if err != nil {
		return Result{}, intakeerr.NewInternal("encode features: " + err.Error())
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		start := time.Now()
		res, err := c.post(ctx, url, payload, stage)
		if err == nil {
			log.Printf("inference run_ok stage=%s attempt=%d elapsed_ms=%d", stage, attempt, time.Since(start).Milliseconds())
			return res, nil
		}
		lastErr = err
		class := classify(err)
		log.Printf("inference run_error stage=%s attempt=%d class=%d elapsed_ms=%d err=%q", stage, attempt, class, time.Since(start).Milliseconds(), err.Error())
		if class == failureClient || attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			span.SetStatus(codes.Error, ctx.Err().Error())
			return Result{}, intakeerr.NewTimeout("inference " + string(stage) + " cancelled: " + ctx.Err().Error())
		case <-time.After(retryDelay(attempt)):
		}
	}

	span.SetStatus(codes.Error, lastErr.Error())
	switch classify(lastErr) {
	case failureTimeout:
		return Result{}, intakeerr.NewTimeout(fmt.Sprintf("inference %s timed out: %v", stage, lastErr))
	case failureRateLimit:
		return Result{}, intakeerr.NewUpstream(fmt.Sprintf("inference %s rate limited: %v", stage, lastErr), 5*time.Second)
	case failureClient:
		return Result{}, &intakeerr.Error{
			Code:    intakeerr.CodeUpstream,
			Message: fmt.Sprintf("inference %s rejected the request: %v", stage, lastErr),
			Status:  502,
		}
	default:
		return Result{}, intakeerr.NewUpstream(fmt.Sprintf("inference %s unavailable: %v", stage, lastErr), 0)
	}
}

func (c *Client) post(ctx context.Context, url string, payload []byte, stage schema.Stage) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	blob, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return Result{}, fmt.Errorf("POST %s failed status=%d body=%s", url, resp.StatusCode, truncate(string(blob), 300))
	}
	return decodeResult(stage, blob)
}

func decodeResult(stage schema.Stage, blob []byte) (Result, error) {
	var body struct {
		S1Decision   string   `json:"s1_decision"`
		S2Decision   string   `json:"s2_decision"`
		Decision     string   `json:"decision"`
		Risk         *float64 `json:"risk"`
		Probability  *float64 `json:"probability"`
		ModelVersion string   `json:"model_version"`
	}
	if err := json.Unmarshal(blob, &body); err != nil {
		return Result{}, fmt.Errorf("decode response: %w", err)
	}
	decision := body.Decision
	if stage == schema.StageS1 && body.S1Decision != "" {
		decision = body.S1Decision
	}
	if stage == schema.StageS2 && body.S2Decision != "" {
		decision = body.S2Decision
	}
	if strings.TrimSpace(decision) == "" {
		return Result{}, fmt.Errorf("response carries no decision for %s", stage)
	}
	risk := body.Risk
	if risk == nil {
		risk = body.Probability
	}
	return Result{
		Stage:        stage,
		Decision:     decision,
		Risk:         risk,
		ModelVersion: body.ModelVersion,
		Raw:          json.RawMessage(blob),
	}, nil
}

func classify(err error) failureClass {
	if errors.Is(err, context.DeadlineExceeded) {
		return failureTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return failureTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "status=429"):
		return failureRateLimit
	case strings.Contains(msg, "status=5"):
		return failureServer
	case strings.Contains(msg, "status=4"):
		return failureClient
	default:
		return failureTransport
	}
}

func retryDelay(attempt int) time.Duration {
	switch attempt {
	case 1:
		return 500 * time.Millisecond
	default:
		return 1 * time.Second
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
