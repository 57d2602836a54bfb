package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"object_cropper/internal/config"
)

const defaultRetryBackoff = 200 * time.Millisecond

// Remote sends images to an external inference service.
//
// The service receives a multipart form with the image in field "file" and
// answers {"detections":[{"box":[x1,y1,x2,y2],"class_id":n,"confidence":f}]}.
type Remote struct {
	url     string
	client  *http.Client
	retries int
	backoff time.Duration
	vocab   Vocabulary
	log     logrus.FieldLogger
}

type remoteDetection struct {
	Box        [4]float64 `json:"box"`
	ClassID    int        `json:"class_id"`
	Confidence float32    `json:"confidence"`
}

type remoteResponse struct {
	Detections []remoteDetection `json:"detections"`
}

// statusError is a non-200 answer from the inference service.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("inference service returned status %d", e.code)
}

// transportError is a failure to reach the inference service.
type transportError struct {
	err error
}

func (e *transportError) Error() string {
	return "send request: " + e.err.Error()
}

func (e *transportError) Unwrap() error { return e.err }

// NewRemote creates a detector backed by the service at cfg.RemoteURL.
func NewRemote(cfg config.ModelConfig, vocab Vocabulary, log logrus.FieldLogger) (*Remote, error) {
	if cfg.RemoteURL == "" {
		return nil, errors.New("remote backend requires an inference URL")
	}
	timeout := cfg.RemoteTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	log.WithField("url", cfg.RemoteURL).Info("Using remote inference service")
	return &Remote{
		url:     cfg.RemoteURL,
		client:  &http.Client{Timeout: timeout},
		retries: cfg.RemoteRetries,
		backoff: defaultRetryBackoff,
		vocab:   vocab,
		log:     log,
	}, nil
}

// Infer uploads img losslessly and returns the service's detections in the
// order it sent them. Transport errors and 5xx answers are retried; an empty
// answer is a valid result.
func (r *Remote) Infer(ctx context.Context, img image.Image) ([]RawDetection, error) {
	body, contentType, err := encodeUpload(img)
	if err != nil {
		return nil, &InferenceError{Backend: "remote", Err: err}
	}

	var lastErr error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(r.backoff * time.Duration(attempt)):
			case <-ctx.Done():
				return nil, &InferenceError{Backend: "remote", Err: ctx.Err()}
			}
		}

		dets, err := r.post(ctx, body, contentType)
		if err == nil {
			return dets, nil
		}
		lastErr = err
		if !retryable(ctx, err) {
			break
		}
		r.log.WithField("attempt", attempt+1).Warnf("Remote inference failed: %v", err)
	}
	return nil, &InferenceError{Backend: "remote", Err: lastErr}
}

// Vocabulary returns the labels the remote model reports class ids against.
func (r *Remote) Vocabulary() Vocabulary {
	return r.vocab
}

// Close releases idle connections.
func (r *Remote) Close() error {
	r.client.CloseIdleConnections()
	return nil
}

func (r *Remote) post(ctx context.Context, body []byte, contentType string) ([]RawDetection, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &transportError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, &statusError{code: resp.StatusCode}
	}

	var result remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	dets := make([]RawDetection, 0, len(result.Detections))
	for i, d := range result.Detections {
		if d.Confidence < 0 || d.Confidence > 1 {
			return nil, fmt.Errorf("detection %d: confidence %v outside [0,1]", i, d.Confidence)
		}
		dets = append(dets, RawDetection{
			Box:        Box{X1: d.Box[0], Y1: d.Box[1], X2: d.Box[2], Y2: d.Box[3]},
			ClassID:    d.ClassID,
			Confidence: d.Confidence,
		})
	}
	return dets, nil
}

// retryable reports infrastructure failures: transport errors and 5xx answers.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500
	}
	var te *transportError
	return errors.As(err, &te)
}

// encodeUpload builds the multipart body. PNG keeps the pixels the service
// sees identical to the decoded request image.
func encodeUpload(img image.Image) ([]byte, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "image.png")
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if err := png.Encode(part, img); err != nil {
		return nil, "", fmt.Errorf("encode image: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return body.Bytes(), writer.FormDataContentType(), nil
}
