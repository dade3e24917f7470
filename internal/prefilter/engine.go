package prefilter

import (
	"fmt"
	"strings"

	"github.com/google/mangle/analysis"
	"github.com/google/mangle/ast"
	_ "github.com/google/mangle/builtin"
	mengine "github.com/google/mangle/engine"
	"github.com/google/mangle/factstore"
	"github.com/google/mangle/parse"

	"corr/internal/evidence"
)

// ruleEngine holds the analyzed datalog program. The program is compiled
// once; each run evaluates it against a fresh fact store so runs never
// see each other's facts.
type ruleEngine struct {
	program *analysis.ProgramInfo
}

func newRuleEngine(src string) (*ruleEngine, error) {
	unit, err := parse.Unit(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("parsing candidate rules: %w", err)
	}
	program, err := analysis.AnalyzeOneUnit(unit, nil)
	if err != nil {
		return nil, fmt.Errorf("analyzing candidate rules: %w", err)
	}
	return &ruleEngine{program: program}, nil
}

// itemFact asserts one evidence item for the join rules. Fingerprints
// travel as signed numbers; the A < B guard in the rules only needs a
// strict total order, so the sign flip on large values is harmless.
func itemFact(fp evidence.Fingerprint, source string, kind evidence.Kind, person string) ast.Atom {
	return ast.NewAtom("item",
		ast.Number(int64(fp)),
		ast.String(source),
		ast.String(string(kind)),
		ast.String(person),
	)
}

// eval loads the facts into a fresh store and evaluates the program to
// fixpoint.
func (e *ruleEngine) eval(facts []ast.Atom) (factstore.FactStore, error) {
	store := factstore.NewSimpleInMemoryStore()
	for _, f := range facts {
		store.Add(f)
	}
	if _, err := mengine.EvalProgramWithStats(e.program, store); err != nil {
		return nil, fmt.Errorf("evaluating candidate rules: %w", err)
	}
	return store, nil
}

// pairs reads a derived binary predicate back out as fingerprint pairs.
func (e *ruleEngine) pairs(store factstore.FactStore, predicate string) ([][2]evidence.Fingerprint, error) {
	query := ast.NewQuery(ast.PredicateSym{Symbol: predicate, Arity: 2})
	var out [][2]evidence.Fingerprint
	err := store.GetFacts(query, func(atom ast.Atom) error {
		a, err := numArg(atom, 0)
		if err != nil {
			return err
		}
		b, err := numArg(atom, 1)
		if err != nil {
			return err
		}
		out = append(out, [2]evidence.Fingerprint{evidence.Fingerprint(uint64(a)), evidence.Fingerprint(uint64(b))})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", predicate, err)
	}
	return out, nil
}

func numArg(atom ast.Atom, i int) (int64, error) {
	c, ok := atom.Args[i].(ast.Constant)
	if !ok || c.Type != ast.NumberType {
		return 0, fmt.Errorf("%s arg %d: expected number, got %v", atom.Predicate.Symbol, i, atom.Args[i])
	}
	return c.NumValue, nil
}
