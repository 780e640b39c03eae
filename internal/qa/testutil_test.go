package qa

import (
	"context"
	"math"
)

// fakeEmbedder returns pre-registered vectors per text, giving tests exact
// control over similarity. Unregistered texts map to a vector orthogonal to
// every registered one.
type fakeEmbedder struct {
	vecs map[string][]float32
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{vecs: make(map[string][]float32)}
}

func (f *fakeEmbedder) set(text string, vec []float32) *fakeEmbedder {
	f.vecs[text] = vec
	return f
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := f.vecs[text]; ok {
		out := make([]float32, len(v))
		copy(out, v)
		return out, nil
	}
	return []float32{0, 0, 0, 1}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int                  { return 4 }
func (f *fakeEmbedder) ModelName() string                { return "fake-4" }
func (f *fakeEmbedder) Available(_ context.Context) bool { return true }
func (f *fakeEmbedder) Close() error                     { return nil }

// atCosine builds a unit vector whose cosine similarity to [1,0,0,0] is c.
func atCosine(c float64) []float32 {
	return []float32{float32(c), float32(math.Sqrt(1 - c*c)), 0, 0}
}
