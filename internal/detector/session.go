package detector

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	envOnce sync.Once
	envErr  error
)

// ModelSession holds the ONNX runtime session and its input/output tensors.
type ModelSession struct {
	Session *ort.AdvancedSession
	Input   *ort.Tensor[float32]
	Output  *ort.Tensor[float32]
}

// sessionPool hands out sessions one caller at a time. A pool of size 1
// serializes every inference.
type sessionPool struct {
	sessions chan *ModelSession
	all      []*ModelSession
}

// initEnvironment initializes the ONNXRuntime environment once per process.
func initEnvironment(libPath string) error {
	envOnce.Do(func() {
		if libPath == "" {
			libPath, envErr = getSharedLibPath()
			if envErr != nil {
				return
			}
		}
		ort.SetSharedLibraryPath(libPath)
		envErr = ort.InitializeEnvironment()
	})
	return envErr
}

// newSessionPool pre-instantiates size sessions of the model at modelPath.
func newSessionPool(size int, modelPath string, inputShape, outputShape ort.Shape) (*sessionPool, error) {
	pool := &sessionPool{
		sessions: make(chan *ModelSession, size),
	}
	for i := 0; i < size; i++ {
		session, err := createModelSession(modelPath, inputShape, outputShape)
		if err != nil {
			pool.destroy()
			return nil, fmt.Errorf("failed to create model session %d: %w", i, err)
		}
		pool.all = append(pool.all, session)
		pool.sessions <- session
	}
	return pool, nil
}

// get blocks until a session is free or ctx is done. A done ctx never takes
// a session, even when one is free.
func (p *sessionPool) get(ctx context.Context) (*ModelSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case s := <-p.sessions:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *sessionPool) put(s *ModelSession) {
	p.sessions <- s
}

func (p *sessionPool) size() int {
	return len(p.all)
}

// warmUp runs a dummy inference on every session so the first request does
// not pay for lazy initialization. It must run before the pool is shared.
func (p *sessionPool) warmUp() []error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i, session := range p.all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := session.warmUp(); err != nil {
				err = fmt.Errorf("session %d: %w", i, err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errs
}

// destroy releases every session. Callers must not use the pool afterwards.
func (p *sessionPool) destroy() {
	for _, s := range p.all {
		s.destroy()
	}
	p.all = nil
}

// createModelSession creates a new ONNX runtime session for the model.
func createModelSession(modelPath string, inputShape, outputShape ort.Shape) (*ModelSession, error) {
	inputTensor, err := ort.NewTensor(inputShape, make([]float32, inputShape.FlattenedSize()))
	if err != nil {
		return nil, err
	}

	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, err
	}
	defer options.Destroy()

	// Restrict threads per session; parallelism comes from the pool.
	if err := options.SetIntraOpNumThreads(1); err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, err
	}
	if err := options.SetInterOpNumThreads(1); err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, err
	}

	session, err := ort.NewAdvancedSession(
		modelPath,
		[]string{"images"},
		[]string{"output0"},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, err
	}

	return &ModelSession{
		Session: session,
		Input:   inputTensor,
		Output:  outputTensor,
	}, nil
}

// run copies input into the session, runs the model and returns a copy of the
// output so the session can be reused right away.
func (s *ModelSession) run(input []float32) ([]float32, error) {
	copy(s.Input.GetData(), input)
	if err := s.Session.Run(); err != nil {
		return nil, err
	}
	out := make([]float32, len(s.Output.GetData()))
	copy(out, s.Output.GetData())
	return out, nil
}

// warmUp runs a dummy inference to ensure the session is fully loaded.
func (s *ModelSession) warmUp() error {
	data := s.Input.GetData()
	for i := range data {
		data[i] = 0
	}
	return s.Session.Run()
}

func (s *ModelSession) destroy() {
	s.Session.Destroy()
	s.Input.Destroy()
	s.Output.Destroy()
}

// getSharedLibPath returns the ONNXRuntime shared library path based on OS.
func getSharedLibPath() (string, error) {
	switch runtime.GOOS {
	case "windows":
		if runtime.GOARCH == "amd64" {
			return "./third_party/onnxruntime.dll", nil
		}
	case "darwin":
		if runtime.GOARCH == "arm64" {
			return "./third_party/onnxruntime_arm64.dylib", nil
		}
	case "linux":
		if runtime.GOARCH == "arm64" {
			return "./third_party/onnxruntime_arm64.so", nil
		}
		return "./third_party/onnxruntime.so", nil
	}
	return "", fmt.Errorf("unable to find a version of the ONNXRuntime library supporting %s/%s", runtime.GOOS, runtime.GOARCH)
}
