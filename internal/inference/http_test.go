package inference

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func input() Tensor {
	data := make([]float32, 2*3)
	for i := range data {
		data[i] = float32(i) / 10
	}
	return Tensor{Shape: []int{1, 2, 3}, Data: data}
}

func TestHTTPEngine_Infer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v2/models/tbm-forecast/infer", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req v2Request
		require.NoError(t, json.Unmarshal(body, &req))
		require.Len(t, req.Inputs, 1)
		assert.Equal(t, "input", req.Inputs[0].Name)
		assert.Equal(t, "FP32", req.Inputs[0].Datatype)
		assert.Equal(t, []int{1, 2, 3}, req.Inputs[0].Shape)
		assert.Len(t, req.Inputs[0].Data, 6)

		_, _ = w.Write([]byte(`{"model_name":"tbm-forecast","outputs":[{"name":"output","shape":[1,3],"datatype":"FP32","data":[0.1,0.2,0.3]}]}`))
	}))
	defer srv.Close()

	e := NewHTTPEngine(HTTPConfig{BaseURL: srv.URL + "/", Model: "tbm-forecast"}, slog.Default())
	out, err := e.Infer(context.Background(), input())
	require.NoError(t, err)
	assert.Equal(t, "output", out.Name)
	assert.Equal(t, []int{1, 3}, out.Shape)
	assert.InDeltaSlice(t, []float32{0.1, 0.2, 0.3}, out.Data, 1e-6)
}

func TestHTTPEngine_InferFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		errMsg string
	}{
		{name: "http status", status: http.StatusServiceUnavailable, body: "loading", errMsg: "inference http status 503"},
		{name: "server error field", status: http.StatusOK, body: `{"error":"shape mismatch"}`, errMsg: "model server: shape mismatch"},
		{name: "no outputs", status: http.StatusOK, body: `{"outputs":[]}`, errMsg: "no outputs"},
		{name: "bad datatype", status: http.StatusOK, body: `{"outputs":[{"name":"o","shape":[1],"datatype":"BYTES","data":[1]}]}`, errMsg: "unsupported datatype"},
		{name: "shape mismatch", status: http.StatusOK, body: `{"outputs":[{"name":"o","shape":[1,31],"datatype":"FP32","data":[1,2]}]}`, errMsg: "needs 31 values"},
		{name: "garbage", status: http.StatusOK, body: `{"outputs":`, errMsg: "unmarshal response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			e := NewHTTPEngine(HTTPConfig{BaseURL: srv.URL, Model: "m"}, nil)
			_, err := e.Infer(context.Background(), input())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestHTTPEngine_InvalidInput(t *testing.T) {
	e := NewHTTPEngine(HTTPConfig{BaseURL: "http://127.0.0.1:1", Model: "m"}, nil)
	_, err := e.Infer(context.Background(), Tensor{Shape: []int{1, 5, 31}, Data: make([]float32, 3)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs 155 values")
}

func TestHTTPEngine_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	e := NewHTTPEngine(HTTPConfig{BaseURL: srv.URL, Model: "m", Timeout: 20 * time.Millisecond}, nil)
	_, err := e.Infer(context.Background(), input())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http request")
}

func TestHTTPEngine_Ready(t *testing.T) {
	var ready atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/models/tbm-forecast/ready", r.URL.Path)
		if !ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := NewHTTPEngine(HTTPConfig{BaseURL: srv.URL, Model: "tbm-forecast"}, nil)
	err := e.Ready(context.Background())
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)

	ready.Store(true)
	require.NoError(t, e.Ready(context.Background()))
}

func TestTensor_Validate(t *testing.T) {
	assert.NoError(t, Tensor{Shape: []int{1, 2}, Data: []float32{1, 2}}.Validate())
	assert.Error(t, Tensor{Shape: []int{0, 2}}.Validate())
	assert.Equal(t, 0, Tensor{}.Elements())
	assert.Error(t, Tensor{Data: []float32{1}}.Validate())
}
