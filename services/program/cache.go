package program

import (
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"loyalty-controlplane/pkg/celengine"
)

var (
	formulaCacheHits = prometheus.NewCounter(prometheus.CounterOpts{Name: "program_formula_cache_hits_total"})
	formulaCacheMiss = prometheus.NewCounter(prometheus.CounterOpts{Name: "program_formula_cache_miss_total"})
)

type formulaKey struct {
	ProgramID string
	Version   int64
}

type compiledFormula struct {
	Program    cel.Program
	Expression string
	CompiledAt time.Time
}

// FormulaCache holds compiled points formulas keyed by program id and
// version. A new program version compiles fresh; old versions age out via
// ttl. Concurrent misses for the same key compile once via singleflight.
type FormulaCache struct {
	mu    sync.RWMutex
	items map[formulaKey]*compiledFormula
	ttl   time.Duration
	group singleflight.Group

	env *cel.Env
}

func NewFormulaCache(ttl time.Duration) (*FormulaCache, error) {
	env, err := celengine.FormulaEnv()
	if err != nil {
		return nil, err
	}
	return &FormulaCache{
		items: make(map[formulaKey]*compiledFormula),
		ttl:   ttl,
		env:   env,
	}, nil
}

// ProgramFor returns the compiled formula for one program version,
// compiling and caching it on first use.
func (c *FormulaCache) ProgramFor(p *LoyaltyProgram) (cel.Program, error) {
	key := formulaKey{ProgramID: p.ID, Version: p.Version}

	c.mu.RLock()
	cached, ok := c.items[key]
	c.mu.RUnlock()
	if ok && (c.ttl <= 0 || time.Since(cached.CompiledAt) <= c.ttl) {
		formulaCacheHits.Inc()
		return cached.Program, nil
	}
	formulaCacheMiss.Inc()

	v, err, _ := c.group.Do(p.ID+":"+p.Formula(), func() (any, error) {
		prg, err := celengine.Compile(c.env, p.Formula())
		if err != nil {
			return nil, err
		}

		compiled := &compiledFormula{
			Program:    prg,
			Expression: p.Formula(),
			CompiledAt: time.Now(),
		}
		c.mu.Lock()
		c.items[key] = compiled
		c.mu.Unlock()
		return compiled, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*compiledFormula).Program, nil
}

// Invalidate drops one program version from the cache.
func (c *FormulaCache) Invalidate(programID string, version int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, formulaKey{ProgramID: programID, Version: version})
}
