package rule

import (
	"fmt"

	"github.com/google/cel-go/cel"
	zlog "github.com/rs/zerolog/log"

	"nexus-stock/internal/service/inventory/domain"
)

// DefaultLowStockExpression 与 domain.ThresholdPolicy 等价。
const DefaultLowStockExpression = "quantity <= low_stock_threshold"

// CELLowStockPolicy 是 domain.LowStockPolicy 的 CEL 实现，低库存规则可以通过配置调整，
// 例如 "available <= low_stock_threshold || quantity < 3"。
// 表达式求值失败时退回默认阈值规则。
type CELLowStockPolicy struct {
	expression string
	program    cel.Program
	fallback   domain.ThresholdPolicy
}

// NewCELLowStockPolicy 编译表达式。表达式必须返回 bool。
func NewCELLowStockPolicy(expression string) (*CELLowStockPolicy, error) {
	if expression == "" {
		expression = DefaultLowStockExpression
	}

	env, err := cel.NewEnv(
		cel.Variable("quantity", cel.IntType),
		cel.Variable("reserved_quantity", cel.IntType),
		cel.Variable("available", cel.IntType),
		cel.Variable("low_stock_threshold", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cel env: %w", err)
	}

	ast, iss := env.Compile(expression)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("invalid low stock expression %q: %w", expression, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("low stock expression %q must evaluate to bool, got %v", expression, ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build cel program: %w", err)
	}
	return &CELLowStockPolicy{expression: expression, program: prg}, nil
}

func (p *CELLowStockPolicy) IsLowStock(v *domain.Variant) bool {
	out, _, err := p.program.Eval(map[string]interface{}{
		"quantity":            v.Quantity,
		"reserved_quantity":   v.ReservedQuantity,
		"available":           v.Available(),
		"low_stock_threshold": v.LowStockThreshold,
	})
	if err != nil {
		zlog.Warn().Err(err).Str("expression", p.expression).Str("variant_id", v.VariantID).
			Msg("low stock expression failed, using threshold rule")
		return p.fallback.IsLowStock(v)
	}
	low, ok := out.Value().(bool)
	if !ok {
		return p.fallback.IsLowStock(v)
	}
	return low
}

// Expression 返回当前生效的表达式。
func (p *CELLowStockPolicy) Expression() string {
	return p.expression
}
