package onnx

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/krau/dishtagger/config"
)

type visualSession struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func (v *visualSession) destroy() {
	if v.session != nil {
		v.session.Destroy()
	}
	if v.input != nil {
		v.input.Destroy()
	}
	if v.output != nil {
		v.output.Destroy()
	}
}

type textModel struct {
	session    *ort.DynamicAdvancedSession
	int32Input bool
}

// Encoder runs an exported CLIP checkpoint: the visual tower as a pool of
// sessions with bound tensors, the text tower as one dynamic session.
type Encoder struct {
	pool      *sessionPool[*visualSession]
	text      textModel
	textMu    sync.Mutex
	imageSize int
	embedDim  int
	closeOnce sync.Once
}

func NewEncoder(m config.ModelConfig) (*Encoder, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer opts.Destroy()
	if m.Threads > 0 {
		if err := opts.SetIntraOpNumThreads(m.Threads); err != nil {
			return nil, fmt.Errorf("failed to set thread count: %w", err)
		}
	}

	e := &Encoder{
		pool:      newSessionPool[*visualSession](m.PoolSize),
		imageSize: m.ImageSize,
	}
	if err := e.openText(m, opts); err != nil {
		return nil, err
	}
	if err := e.openVisual(m, opts); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *Encoder) openVisual(m config.ModelConfig, opts *ort.SessionOptions) error {
	path := m.VisualPath()
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return fmt.Errorf("failed to get visual model input/output info: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return fmt.Errorf("visual model: %w", errNoOutputs)
	}
	if err := checkImageInput(inputs[0].Dimensions, m.ImageSize); err != nil {
		return fmt.Errorf("visual model %s: %w", path, err)
	}
	dim := embedDim(outputs[0], m.EmbedDim)
	if e.embedDim != 0 && dim != e.embedDim {
		return fmt.Errorf("visual embedding size %d does not match text size %d", dim, e.embedDim)
	}
	e.embedDim = dim

	for range m.PoolSize {
		vs, err := newVisualSession(path, inputs[0].Name, outputs[0].Name, m.ImageSize, dim, opts)
		if err != nil {
			return err
		}
		e.pool.put(vs)
	}
	return nil
}

func newVisualSession(path, input, output string, size, dim int, opts *ort.SessionOptions) (*visualSession, error) {
	vs := &visualSession{}
	var err error
	vs.input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(size), int64(size)))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	vs.output, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(dim)))
	if err != nil {
		vs.destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	vs.session, err = ort.NewAdvancedSession(
		path,
		[]string{input},
		[]string{output},
		[]ort.Value{vs.input},
		[]ort.Value{vs.output},
		opts,
	)
	if err != nil {
		vs.destroy()
		return nil, fmt.Errorf("failed to create visual session: %w", err)
	}
	return vs, nil
}

func (e *Encoder) openText(m config.ModelConfig, opts *ort.SessionOptions) error {
	path := m.TextualPath()
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return fmt.Errorf("failed to get text model input/output info: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return fmt.Errorf("text model: %w", errNoOutputs)
	}
	e.embedDim = embedDim(outputs[0], m.EmbedDim)
	session, err := ort.NewDynamicAdvancedSession(
		path,
		[]string{inputs[0].Name},
		[]string{outputs[0].Name},
		opts,
	)
	if err != nil {
		return fmt.Errorf("failed to create text session: %w", err)
	}
	e.text = textModel{
		session:    session,
		int32Input: inputs[0].DataType == ort.TensorElementDataTypeInt32,
	}
	return nil
}

func embedDim(info ort.InputOutputInfo, fallback int) int {
	if n := len(info.Dimensions); n > 0 && info.Dimensions[n-1] > 0 {
		return int(info.Dimensions[n-1])
	}
	return fallback
}

// checkImageInput rejects a visual tower whose static NCHW input disagrees
// with the configured image size. Dynamic axes (-1) are accepted.
func checkImageInput(dims ort.Shape, size int) error {
	if len(dims) != 4 {
		return fmt.Errorf("image input has rank %d, want 4", len(dims))
	}
	if dims[1] > 0 && dims[1] != 3 {
		return fmt.Errorf("image input has %d channels, want 3", dims[1])
	}
	if (dims[2] > 0 && dims[2] != int64(size)) || (dims[3] > 0 && dims[3] != int64(size)) {
		return fmt.Errorf("image input is %dx%d, image_size is %d", dims[2], dims[3], size)
	}
	return nil
}

func (e *Encoder) ImageSize() int { return e.imageSize }

func (e *Encoder) EncodeImage(pixels []float32) ([]float32, error) {
	if want := 3 * e.imageSize * e.imageSize; len(pixels) != want {
		return nil, fmt.Errorf("image input has %d values, want %d", len(pixels), want)
	}
	vs, err := e.pool.acquire()
	if err != nil {
		return nil, err
	}
	defer e.pool.release(vs)

	copy(vs.input.GetData(), pixels)
	if err := vs.session.Run(); err != nil {
		return nil, fmt.Errorf("visual inference: %w", err)
	}
	out := make([]float32, e.embedDim)
	copy(out, vs.output.GetData())
	return out, nil
}

func (e *Encoder) EncodeText(tokens [][]int64) ([][]float32, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	var (
		input ort.Value
		width int
		err   error
	)
	if e.text.int32Input {
		var flat []int32
		flat, width, err = flattenTokens[int32](tokens)
		if err == nil {
			input, err = ort.NewTensor(ort.NewShape(int64(len(tokens)), int64(width)), flat)
		}
	} else {
		var flat []int64
		flat, width, err = flattenTokens[int64](tokens)
		if err == nil {
			input, err = ort.NewTensor(ort.NewShape(int64(len(tokens)), int64(width)), flat)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create token tensor: %w", err)
	}
	defer input.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(len(tokens)), int64(e.embedDim)))
	if err != nil {
		return nil, fmt.Errorf("failed to create text output tensor: %w", err)
	}
	defer output.Destroy()

	e.textMu.Lock()
	if e.text.session == nil {
		e.textMu.Unlock()
		return nil, errEncoderClosed
	}
	err = e.text.session.Run([]ort.Value{input}, []ort.Value{output})
	e.textMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("text inference: %w", err)
	}
	return splitRows(output.GetData(), len(tokens), e.embedDim)
}

// flattenTokens lays rows out row-major in the element type the text tower
// declares. Every row must have the same width.
func flattenTokens[T int32 | int64](tokens [][]int64) ([]T, int, error) {
	if len(tokens) == 0 {
		return nil, 0, nil
	}
	width := len(tokens[0])
	flat := make([]T, 0, len(tokens)*width)
	for i, row := range tokens {
		if len(row) != width {
			return nil, 0, fmt.Errorf("token row %d has %d ids, want %d", i, len(row), width)
		}
		for _, id := range row {
			flat = append(flat, T(id))
		}
	}
	return flat, width, nil
}

func splitRows(data []float32, rows, dim int) ([][]float32, error) {
	if dim <= 0 || len(data) != rows*dim {
		return nil, fmt.Errorf("text output has %d values, want %d rows of %d", len(data), rows, dim)
	}
	out := make([][]float32, rows)
	for i := range out {
		out[i] = make([]float32, dim)
		copy(out[i], data[i*dim:(i+1)*dim])
	}
	return out, nil
}

// Close waits for in-flight EncodeImage and EncodeText calls to finish,
// then releases every session. Later calls fail with an error.
func (e *Encoder) Close() error {
	e.closeOnce.Do(func() {
		for _, vs := range e.pool.drain() {
			vs.destroy()
		}
		e.textMu.Lock()
		if e.text.session != nil {
			e.text.session.Destroy()
			e.text.session = nil
		}
		e.textMu.Unlock()
	})
	return nil
}
