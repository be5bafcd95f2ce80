package policy

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/cel-go/cel"
)

// ErrNotDeterministic is returned for CEL expressions outside the
// deterministic subset allowed in transfer rules.
var ErrNotDeterministic = errors.New("policy: expression outside deterministic subset")

var floatLiteral = regexp.MustCompile(`\d+\.\d+`)

// Rules run on every transfer of an item type, so expressions must evaluate
// identically on every node: no wall-clock access, no time types, no floats.
var bannedTokens = []string{"now(", "timestamp(", "duration(", "double("}

// CELRule is a custom obligation expressed as a CEL predicate over the
// transfer request. Available variables: price (uint), item_type (string),
// item_id (string). The expression must evaluate to bool.
type CELRule struct {
	name       string
	Expression string
	program    cel.Program
}

// NewCELRule compiles a CEL rule. The expression is validated against the
// deterministic subset before compilation.
func NewCELRule(name, expression string) (*CELRule, error) {
	if err := validateDeterministic(expression); err != nil {
		return nil, err
	}

	env, err := cel.NewEnv(
		cel.Variable("price", cel.UintType),
		cel.Variable("item_type", cel.StringType),
		cel.Variable("item_id", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel env: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("policy: compile %q: %w", expression, issues.Err())
	}
	if ast.OutputType().String() != "bool" {
		return nil, fmt.Errorf("policy: rule %s must evaluate to bool, got %s", name, ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("policy: program %s: %w", name, err)
	}
	return &CELRule{name: name, Expression: expression, program: program}, nil
}

// Name implements Rule.
func (r *CELRule) Name() string { return r.name }

func (r *CELRule) eval(req *TransferRequest) (bool, error) {
	out, _, err := r.program.Eval(map[string]any{
		"price":     req.paid,
		"item_type": req.itemType,
		"item_id":   req.itemID,
	})
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("non-bool result %v", out.Value())
	}
	return b, nil
}

func validateDeterministic(expression string) error {
	for _, token := range bannedTokens {
		if strings.Contains(expression, token) {
			return fmt.Errorf("%w: %q", ErrNotDeterministic, strings.TrimSuffix(token, "("))
		}
	}
	if floatLiteral.MatchString(expression) {
		return fmt.Errorf("%w: float literal", ErrNotDeterministic)
	}
	return nil
}
