package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
)

// StubProvider produces deterministic vectors without any network calls. It
// backs offline runs and tests: the same text always maps to the same unit
// vector, and specific texts can be pinned to scripted vectors so similarity
// outcomes are exact.
type StubProvider struct {
	model string
	dims  int

	mu      sync.Mutex
	fixed   map[string][]float32
	err     error
	batches [][]string
}

// NewStubProvider creates a stub provider. The model string only affects
// Name(), and with it the cache namespace.
func NewStubProvider(model string) *StubProvider {
	if model == "" {
		model = "stub"
	}
	return &StubProvider{
		model: model,
		dims:  8,
		fixed: make(map[string][]float32),
	}
}

// Set pins text to an exact vector.
func (p *StubProvider) Set(text string, vec []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fixed[text] = append([]float32(nil), vec...)
}

// SetError makes subsequent EmbedBatch calls fail with err until cleared
// with SetError(nil).
func (p *StubProvider) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Batches returns a copy of every batch passed to EmbedBatch, in call order.
func (p *StubProvider) Batches() [][]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]string, len(p.batches))
	for i, b := range p.batches {
		out[i] = append([]string(nil), b...)
	}
	return out
}

// Calls returns the number of EmbedBatch invocations so far.
func (p *StubProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches)
}

// EmbedBatch returns one deterministic vector per text.
func (p *StubProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.batches = append(p.batches, append([]string(nil), texts...))
	if p.err != nil {
		err := p.err
		p.mu.Unlock()
		return nil, err
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		if vec, ok := p.fixed[text]; ok {
			vectors[i] = append([]float32(nil), vec...)
			continue
		}
		vectors[i] = derivedVector(text, p.dims)
	}
	p.mu.Unlock()
	return vectors, nil
}

// Dimensions returns the stub vector width.
func (p *StubProvider) Dimensions() int {
	return p.dims
}

// Name returns the provider identity used for cache keying.
func (p *StubProvider) Name() string {
	return fmt.Sprintf("stub:%s", p.model)
}

// derivedVector maps text to a stable pseudo-random unit vector.
func derivedVector(text string, dims int) []float32 {
	h := fnv.New64a()
	h.Write([]byte(text))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	vec := make([]float32, dims)
	var norm float64
	for i := range vec {
		v := rng.Float64()*2 - 1
		vec[i] = float32(v)
		norm += v * v
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}
