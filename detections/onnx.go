package detections

import (
	"context"
	"os"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"
)

type ModelSession struct {
	Session *ort.DynamicAdvancedSession
}

func (m *ModelSession) Destroy() error {
	if m.Session != nil {
		return m.Session.Destroy()
	}
	return nil
}

type ONNXConfig struct {
	ModelPath  string
	InputName  string
	OutputName string
	NumOutputs int
	Threads    int
}

// NewONNXSessionFactory returns a factory for dynamic-batch sessions of the
// classifier model.
func NewONNXSessionFactory(cfg ONNXConfig) SessionFactory {
	return func() (*ModelSession, error) {
		if _, err := os.Stat(cfg.ModelPath); err != nil {
			return nil, errors.Wrapf(err, "model file not found: %s", cfg.ModelPath)
		}

		options, err := ort.NewSessionOptions()
		if err != nil {
			return nil, errors.Wrap(err, "error creating session options")
		}
		defer options.Destroy()

		threads := cfg.Threads
		if threads <= 0 {
			threads = runtime.NumCPU()
		}
		if err := multierr.Combine(
			options.SetIntraOpNumThreads(threads),
			options.SetInterOpNumThreads(threads),
		); err != nil {
			return nil, errors.Wrap(err, "error configuring session threads")
		}

		session, err := ort.NewDynamicAdvancedSession(
			cfg.ModelPath,
			[]string{cfg.InputName},
			[]string{cfg.OutputName},
			options,
		)
		if err != nil {
			return nil, errors.Wrap(err, "error creating session")
		}
		return &ModelSession{Session: session}, nil
	}
}

// ONNXClassifier runs batched inference on pooled ONNX Runtime sessions.
type ONNXClassifier struct {
	pool       *SessionPool
	numOutputs int
}

func NewONNXClassifier(pool *SessionPool, numOutputs int) *ONNXClassifier {
	if numOutputs <= 0 {
		numOutputs = NumOutputs
	}
	return &ONNXClassifier{pool: pool, numOutputs: numOutputs}
}

type inferResult struct {
	rows [][]float32
	err  error
}

// Predict runs one inference over the whole batch. If ctx expires first the
// session finishes in the background and is returned to the pool afterwards.
func (c *ONNXClassifier) Predict(ctx context.Context, batch Batch) ([][]float32, error) {
	if batch.Size == 0 {
		return nil, nil
	}

	session, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "acquire session")
	}

	n := int64(batch.Size)
	h, w := int64(batch.Height), int64(batch.Width)
	shape := ort.NewShape(n, h, w, 3)
	if batch.Layout == LayoutNCHW {
		shape = ort.NewShape(n, 3, h, w)
	}

	input, err := ort.NewEmptyTensor[float32](shape)
	if err != nil {
		c.pool.Release(session)
		return nil, errors.Wrap(err, "error creating input tensor")
	}
	copy(input.GetData(), batch.Data)

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(n, int64(c.numOutputs)))
	if err != nil {
		input.Destroy()
		c.pool.Release(session)
		return nil, errors.Wrap(err, "error creating output tensor")
	}

	done := make(chan inferResult, 1)
	go func() {
		defer c.pool.Release(session)
		defer output.Destroy()
		defer input.Destroy()

		if err := session.Session.Run([]ort.Value{input}, []ort.Value{output}); err != nil {
			done <- inferResult{err: err}
			return
		}
		data := output.GetData()
		rows := make([][]float32, batch.Size)
		for i := range rows {
			rows[i] = append([]float32(nil), data[i*c.numOutputs:(i+1)*c.numOutputs]...)
		}
		done <- inferResult{rows: rows}
	}()

	select {
	case res := <-done:
		return res.rows, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InitRuntime loads the ONNX Runtime shared library and initializes the
// environment. libPath may name the library file or a directory holding it.
func InitRuntime(libPath string) (func() error, error) {
	resolved, err := resolveLibrary(libPath)
	if err != nil {
		return nil, err
	}
	ort.SetSharedLibraryPath(resolved)
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, errors.Wrap(err, "failed to initialize ONNX environment")
	}
	return ort.DestroyEnvironment, nil
}

func resolveLibrary(libPath string) (string, error) {
	info, err := os.Stat(libPath)
	if err != nil {
		return "", errors.Wrapf(err, "onnxruntime library not found: %s", libPath)
	}
	if !info.IsDir() {
		return libPath, nil
	}

	full := filepath.Join(libPath, libraryName(runtime.GOOS))
	if _, err := os.Stat(full); err != nil {
		return "", errors.Wrapf(err, "onnxruntime library not found: %s", full)
	}
	return full, nil
}

// libraryName is the ONNX Runtime shared library file name for goos.
func libraryName(goos string) string {
	switch goos {
	case "darwin":
		return "libonnxruntime.1.20.0.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so.1.20.0"
	}
}
