package layers

import (
	"fmt"
	"strings"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	ReLU
	Dropout
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case ReLU:
		return "ReLU"
	case Dropout:
		return "Dropout"
	default:
		return "Unknown"
	}
}

// LayerSpec defines layer configuration for the model engine
// This is pure configuration - no execution logic
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete neural network model as layer configuration
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder assembles a ModelSpec layer by layer
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	compiled   bool
}

// NewModelBuilder creates a new model builder
func NewModelBuilder(inputShape []int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: inputShape,
		compiled:   false,
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	mb.compiled = false // Invalidate compilation
	return mb
}

// AddDense adds a dense layer to the model
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	// Input size will be computed during compilation
	layer := LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	}
	return mb.AddLayer(layer)
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	layer := LayerSpec{
		Type:       ReLU,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
	return mb.AddLayer(layer)
}

// AddDropout adds a dropout layer. The rate is the probability of zeroing an
// activation while training; inference passes activations through unchanged.
func (mb *ModelBuilder) AddDropout(rate float64, name string) *ModelBuilder {
	layer := LayerSpec{
		Type: Dropout,
		Name: name,
		Parameters: map[string]interface{}{
			"rate": rate,
		},
	}
	return mb.AddLayer(layer)
}

// Compile computes shapes and parameter information for every layer
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: mb.inputShape,
		Compiled:   false,
	}

	copy(model.Layers, mb.layers)

	currentShape := mb.inputShape
	var allParameterShapes [][]int
	totalParams := int64(0)
	names := make(map[string]bool, len(model.Layers))

	for i := range model.Layers {
		layer := &model.Layers[i]
		if names[layer.Name] {
			return nil, fmt.Errorf("duplicate layer name %q", layer.Name)
		}
		names[layer.Name] = true

		layer.InputShape = make([]int, len(currentShape))
		copy(layer.InputShape, currentShape)

		outputShape, paramShapes, paramCount, err := mb.computeLayerInfo(layer, currentShape)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %w", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount

		currentShape = outputShape
	}

	model.OutputShape = currentShape
	model.ParameterShapes = allParameterShapes
	model.TotalParameters = totalParams
	model.Compiled = true
	mb.compiled = true

	return model, nil
}

// computeLayerInfo computes output shape and parameter information for a layer
func (mb *ModelBuilder) computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return mb.computeDenseInfo(layer, inputShape)
	case Dropout:
		rate := GetFloatParam(layer.Parameters, "rate", 0)
		if rate < 0 || rate >= 1 {
			return nil, nil, 0, fmt.Errorf("dropout rate must be in [0, 1), got %g", rate)
		}
		return mb.computeActivationInfo(layer, inputShape)
	case ReLU:
		return mb.computeActivationInfo(layer, inputShape)
	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

// computeDenseInfo computes dense layer information
func (mb *ModelBuilder) computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) < 2 {
		return nil, nil, 0, fmt.Errorf("dense layer requires at least 2D input")
	}

	outputSize, ok := layer.Parameters["output_size"].(int)
	if !ok || outputSize <= 0 {
		return nil, nil, 0, fmt.Errorf("missing output_size parameter")
	}

	useBias := GetBoolParam(layer.Parameters, "use_bias", true)

	// Flatten all dimensions except batch
	inputSize := 1
	for i := 1; i < len(inputShape); i++ {
		inputSize *= inputShape[i]
	}
	layer.Parameters["input_size"] = inputSize

	outputShape := []int{inputShape[0], outputSize}

	// Weight matrix: [inputSize, outputSize], bias vector: [outputSize]
	paramShapes := [][]int{{inputSize, outputSize}}
	paramCount := int64(inputSize * outputSize)
	if useBias {
		paramShapes = append(paramShapes, []int{outputSize})
		paramCount += int64(outputSize)
	}

	return outputShape, paramShapes, paramCount, nil
}

// computeActivationInfo handles shape-preserving layers without parameters
func (mb *ModelBuilder) computeActivationInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	outputShape := make([]int, len(inputShape))
	copy(outputShape, inputShape)
	return outputShape, nil, 0, nil
}

// NewMLPSpec builds the fixed fully-connected classifier: for every hidden
// width a Dense -> ReLU -> Dropout block, followed by a Dense output layer
// producing one logit per class.
func NewMLPSpec(inputDims int, hidden []int, numClasses int, dropout float64) (*ModelSpec, error) {
	if inputDims <= 0 {
		return nil, fmt.Errorf("input dimensionality must be positive, got %d", inputDims)
	}
	if numClasses <= 1 {
		return nil, fmt.Errorf("need at least two classes, got %d", numClasses)
	}

	// Batch dimension is resolved per batch by the engine
	builder := NewModelBuilder([]int{-1, inputDims})
	for i, width := range hidden {
		builder.AddDense(width, true, fmt.Sprintf("fc%d", i+1)).
			AddReLU(fmt.Sprintf("relu%d", i+1))
		if dropout > 0 {
			builder.AddDropout(dropout, fmt.Sprintf("drop%d", i+1))
		}
	}
	builder.AddDense(numClasses, true, "out")

	return builder.Compile()
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Model Summary:\n")
	fmt.Fprintf(&sb, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&sb, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&sb, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&sb, "Layers: %d\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		fmt.Fprintf(&sb, "Layer %d: %s (%s) %v -> %v, params %d\n",
			i+1, layer.Name, layer.Type.String(), layer.InputShape, layer.OutputShape, layer.ParameterCount)
	}

	return sb.String()
}

// ParameterNames returns the checkpoint name of every parameter tensor, in
// the same order as ParameterShapes ("<layer>.weight", "<layer>.bias").
func (ms *ModelSpec) ParameterNames() []string {
	var names []string
	for _, layer := range ms.Layers {
		if layer.Type != Dense {
			continue
		}
		names = append(names, layer.Name+".weight")
		if len(layer.ParameterShapes) > 1 {
			names = append(names, layer.Name+".bias")
		}
	}
	return names
}

func GetIntParam(params map[string]interface{}, key string, defaultValue int) int {
	if value, ok := params[key]; ok {
		if intVal, ok := value.(int); ok {
			return intVal
		}
	}
	return defaultValue
}

func GetBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if value, ok := params[key]; ok {
		if boolVal, ok := value.(bool); ok {
			return boolVal
		}
	}
	return defaultValue
}

func GetFloatParam(params map[string]interface{}, key string, defaultValue float64) float64 {
	if value, ok := params[key]; ok {
		switch v := value.(type) {
		case float64:
			return v
		case float32:
			return float64(v)
		}
	}
	return defaultValue
}
