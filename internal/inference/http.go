package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/emperorhan/tbm-forecaster/internal/tracing"
)

const maxErrorBody = 512

// HTTPConfig configures an HTTPEngine.
type HTTPConfig struct {
	BaseURL   string
	Model     string
	InputName string
	Timeout   time.Duration
}

// HTTPEngine talks to a model server over the Open Inference Protocol (KServe
// v2) REST API. Triton, KServe and MLServer all serve it.
type HTTPEngine struct {
	httpClient *http.Client
	baseURL    string
	model      string
	inputName  string
	logger     *slog.Logger
}

type v2Tensor struct {
	Name     string    `json:"name"`
	Shape    []int     `json:"shape"`
	Datatype string    `json:"datatype"`
	Data     []float32 `json:"data"`
}

type v2Request struct {
	ID     string     `json:"id,omitempty"`
	Inputs []v2Tensor `json:"inputs"`
}

type v2Response struct {
	ModelName string     `json:"model_name"`
	ID        string     `json:"id"`
	Outputs   []v2Tensor `json:"outputs"`
	Error     string     `json:"error"`
}

// StatusError is a non-200 reply from the model server.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("inference http status %d: %s", e.StatusCode, e.Body)
}

func NewHTTPEngine(cfg HTTPConfig, logger *slog.Logger) *HTTPEngine {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	inputName := cfg.InputName
	if inputName == "" {
		inputName = "input"
	}
	return &HTTPEngine{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		inputName:  inputName,
		logger:     logger.With("component", "inference"),
	}
}

func (e *HTTPEngine) modelURL(suffix string) string {
	return e.baseURL + "/v2/models/" + url.PathEscape(e.model) + suffix
}

// Ready returns nil once the model server reports the model ready.
func (e *HTTPEngine) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.modelURL("/ready"), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("model ready: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode != http.StatusOK {
		return &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return nil
}

// Infer sends in and returns the first output tensor.
func (e *HTTPEngine) Infer(ctx context.Context, in Tensor) (Tensor, error) {
	ctx, span := tracing.Tracer("inference").Start(ctx, "inference.Infer")
	defer span.End()
	span.SetAttributes(
		attribute.String("model", e.model),
		attribute.IntSlice("shape", in.Shape),
	)

	out, err := e.infer(ctx, in)
	if err != nil {
		tracing.Fail(span, err)
		return Tensor{}, err
	}
	return out, nil
}

func (e *HTTPEngine) infer(ctx context.Context, in Tensor) (Tensor, error) {
	if err := in.Validate(); err != nil {
		return Tensor{}, err
	}
	name := in.Name
	if name == "" {
		name = e.inputName
	}
	body, err := json.Marshal(v2Request{
		Inputs: []v2Tensor{{Name: name, Shape: in.Shape, Datatype: "FP32", Data: in.Data}},
	})
	if err != nil {
		return Tensor{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.modelURL("/infer"), bytes.NewReader(body))
	if err != nil {
		return Tensor{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return Tensor{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Tensor{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Tensor{}, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), maxErrorBody)}
	}

	var vr v2Response
	if err := json.Unmarshal(respBody, &vr); err != nil {
		return Tensor{}, fmt.Errorf("unmarshal response: %w", err)
	}
	if vr.Error != "" {
		return Tensor{}, fmt.Errorf("model server: %s", vr.Error)
	}
	if len(vr.Outputs) == 0 {
		return Tensor{}, fmt.Errorf("model server returned no outputs")
	}
	first := vr.Outputs[0]
	if first.Datatype != "" && first.Datatype != "FP32" && first.Datatype != "FP64" {
		return Tensor{}, fmt.Errorf("output %q: unsupported datatype %s", first.Name, first.Datatype)
	}
	out := Tensor{Name: first.Name, Shape: first.Shape, Data: first.Data}
	if err := out.Validate(); err != nil {
		return Tensor{}, err
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
