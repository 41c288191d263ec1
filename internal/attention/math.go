package attention

import (
	"math"

	"github.com/NeuralNinja23/gencode-orchestrator/internal/evolution"
)

// Softmax returns exp(s*x_i) normalized to sum to 1.
func Softmax(scores []float64, sharpness float64) []float64 {
	out := make([]float64, len(scores))
	if len(scores) == 0 {
		return out
	}
	max := math.Inf(-1)
	for _, s := range scores {
		if s*sharpness > max {
			max = s * sharpness
		}
	}
	var sum float64
	for i, s := range scores {
		out[i] = math.Exp(s*sharpness - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// Entropy is the Shannon entropy of w in nats.
func Entropy(w []float64) float64 {
	var h float64
	for _, p := range w {
		if p > 0 {
			h -= p * math.Log(p)
		}
	}
	return h
}

// synthesize blends candidate values field by field.
func synthesize(values []evolution.Value, weights []float64) evolution.Value {
	fields := map[string]bool{}
	var order []string
	for _, v := range values {
		for k := range v {
			if !fields[k] {
				fields[k] = true
				order = append(order, k)
			}
		}
	}

	out := evolution.Value{}
	for _, k := range order {
		numeric := true
		integral := true
		sawInt := false
		for _, v := range values {
			x, ok := v[k]
			if !ok {
				continue
			}
			if _, isNum := evolution.Number(x); !isNum {
				numeric = false
				break
			}
			if !evolution.IsInteger(x) {
				integral = false
			}
			switch x.(type) {
			case int, int32, int64:
				sawInt = true
			}
		}

		if numeric {
			var sum, wsum float64
			for i, v := range values {
				x, ok := v[k]
				if !ok {
					continue
				}
				f, _ := evolution.Number(x)
				sum += weights[i] * f
				wsum += weights[i]
			}
			avg := 0.0
			if wsum > 0 {
				avg = sum / wsum
			}
			if integral && sawInt {
				out[k] = int(math.Round(avg))
			} else {
				out[k] = avg
			}
			continue
		}

		best := -1
		for i, v := range values {
			if _, ok := v[k]; !ok {
				continue
			}
			if best < 0 || weights[i] > weights[best] {
				best = i
			}
		}
		out[k] = values[best][k]
	}
	return out
}
