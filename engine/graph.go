package engine

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/tsawler/go-mnist/layers"
)

type graphKey struct {
	batch int
	train bool
}

// compiledGraph is an expression graph for one batch size and mode together
// with the tape machine that executes it
type compiledGraph struct {
	g  *G.ExprGraph
	vm G.VM

	input   *G.Node
	target  *G.Node
	weights []*G.Node // aligned with ModelEngine.params
	masks   []*G.Node

	maskRates []float64
	logitsVal G.Value
	lossVal   G.Value

	train bool
	grads [][]float64
}

func (e *ModelEngine) graph(batch int, train bool) (*compiledGraph, error) {
	key := graphKey{batch: batch, train: train}
	if cg, ok := e.graphs[key]; ok {
		return cg, nil
	}

	cg, err := e.buildGraph(batch, train)
	if err != nil {
		return nil, err
	}
	e.graphs[key] = cg
	return cg, nil
}

// buildGraph lowers the model spec to a gorgonia expression graph. Graph
// construction helpers panic on shape errors; those are turned into an error.
func (e *ModelEngine) buildGraph(batch int, train bool) (cg *compiledGraph, err error) {
	defer func() {
		if r := recover(); r != nil {
			cg = nil
			err = fmt.Errorf("failed to build graph for batch %d: %v", batch, r)
		}
	}()

	g := G.NewGraph()
	cg = &compiledGraph{g: g, train: train}

	cg.input = G.NewMatrix(g, tensor.Float64, G.WithShape(batch, e.inputs), G.WithName("x"))
	cg.target = G.NewMatrix(g, tensor.Float64, G.WithShape(batch, e.classes), G.WithName("y"))

	h := cg.input
	pi := 0
	for _, layer := range e.spec.Layers {
		switch layer.Type {
		case layers.Dense:
			w := e.params[pi]
			wn := G.NewMatrix(g, tensor.Float64,
				G.WithShape(w.Shape...),
				G.WithName(w.Name),
				G.WithValue(tensor.New(tensor.WithShape(w.Shape...), tensor.WithBacking(w.Data))))
			cg.weights = append(cg.weights, wn)
			h = G.Must(G.Mul(h, wn))
			pi++

			if len(layer.ParameterShapes) > 1 {
				b := e.params[pi]
				bn := G.NewMatrix(g, tensor.Float64,
					G.WithShape(1, b.Size()),
					G.WithName(b.Name),
					G.WithValue(tensor.New(tensor.WithShape(1, b.Size()), tensor.WithBacking(b.Data))))
				cg.weights = append(cg.weights, bn)
				h = G.Must(G.BroadcastAdd(h, bn, nil, []byte{0}))
				pi++
			}

		case layers.ReLU:
			h = G.Must(G.Rectify(h))

		case layers.Dropout:
			if !train {
				continue
			}
			width := layer.InputShape[1]
			mask := G.NewMatrix(g, tensor.Float64, G.WithShape(batch, width), G.WithName(layer.Name+".mask"))
			cg.masks = append(cg.masks, mask)
			cg.maskRates = append(cg.maskRates, layers.GetFloatParam(layer.Parameters, "rate", 0))
			h = G.Must(G.HadamardProd(h, mask))

		default:
			return nil, fmt.Errorf("unsupported layer type %s", layer.Type)
		}
	}
	logits := h

	// log-softmax via log-sum-exp over the row-max shifted logits, then the
	// negative log-likelihood of the one-hot targets averaged over the batch
	rowMax := G.Must(G.Reshape(G.Must(G.Max(logits, 1)), tensor.Shape{batch, 1}))
	shifted := G.Must(G.BroadcastSub(logits, rowMax, nil, []byte{1}))
	sumExp := G.Must(G.Sum(G.Must(G.Exp(shifted)), 1))
	lse := G.Must(G.Reshape(G.Must(G.Log(sumExp)), tensor.Shape{batch, 1}))
	logProbs := G.Must(G.BroadcastSub(shifted, lse, nil, []byte{1}))
	picked := G.Must(G.Sum(G.Must(G.HadamardProd(logProbs, cg.target)), 1))
	loss := G.Must(G.Neg(G.Must(G.Mean(picked))))

	G.Read(logits, &cg.logitsVal)
	G.Read(loss, &cg.lossVal)

	if train {
		if _, err := G.Grad(loss, cg.weights...); err != nil {
			return nil, fmt.Errorf("failed to build gradients: %w", err)
		}
		cg.vm = G.NewTapeMachine(g, G.BindDualValues(cg.weights...))
		cg.grads = make([][]float64, len(cg.weights))
	} else {
		cg.vm = G.NewTapeMachine(g)
	}

	return cg, nil
}

// syncWeights makes sure every weight node sees the current parameter
// values. Nodes are created over the parameter backing arrays so this is
// normally a no-op; it guards against the machine holding its own copy.
func (cg *compiledGraph) syncWeights(params []*Parameter) error {
	for i, n := range cg.weights {
		v := n.Value()
		if v == nil {
			return fmt.Errorf("weight %s has no value bound", n.Name())
		}
		dst, ok := v.Data().([]float64)
		if !ok {
			return fmt.Errorf("weight %s: unexpected backing %T", n.Name(), v.Data())
		}
		if len(dst) != len(params[i].Data) {
			return fmt.Errorf("weight %s: size mismatch %d vs %d", n.Name(), len(dst), len(params[i].Data))
		}
		if &dst[0] != &params[i].Data[0] {
			copy(dst, params[i].Data)
		}
	}
	return nil
}

func (cg *compiledGraph) captureGradients() error {
	for i, n := range cg.weights {
		gv, err := n.Grad()
		if err != nil {
			return fmt.Errorf("failed to read gradient of %s: %w", n.Name(), err)
		}
		data, ok := gv.Data().([]float64)
		if !ok {
			return fmt.Errorf("gradient of %s: unexpected backing %T", n.Name(), gv.Data())
		}
		if cg.grads[i] == nil {
			cg.grads[i] = make([]float64, len(data))
		}
		copy(cg.grads[i], data)

		// the tape machine adds into the bound derivative on every run
		zt, ok := gv.(tensor.Tensor)
		if !ok {
			return fmt.Errorf("gradient of %s: unexpected value %T", n.Name(), gv)
		}
		zt.Zero()
	}
	return nil
}

// clearGradients zeroes whatever the machine has accumulated so far. It is
// used after a failed run, where some derivatives may be unbound.
func (cg *compiledGraph) clearGradients() {
	for _, n := range cg.weights {
		gv, err := n.Grad()
		if err != nil {
			continue
		}
		if zt, ok := gv.(tensor.Tensor); ok {
			zt.Zero()
		}
	}
}
