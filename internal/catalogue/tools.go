package catalogue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	xerrors "AgentMesh-Chain/internal/errors"
)

// registerLocalTools 登记在控制面进程内执行的工具实现。
// 未在此登记的工具名按 tool:<name> 能力派发给工作节点。
func registerLocalTools(c *Catalogue) {
	c.RegisterTool("currentTime", currentTimeTool)
	c.RegisterTool("calculate", calculateTool)
	c.RegisterTool("extractKeywords", extractKeywordsTool)
}

func currentTimeTool(_ context.Context, _ map[string]any) (any, error) {
	return time.Now().UTC().Format(time.RFC3339), nil
}

// calculateTool 计算一个左结合的四则运算表达式，如 "120*3+45.5"。
func calculateTool(_ context.Context, params map[string]any) (any, error) {
	expression, _ := params["expression"].(string)
	expression = strings.ReplaceAll(expression, " ", "")
	if expression == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "expression 不能为空")
	}

	tokens, err := tokenize(expression)
	if err != nil {
		return nil, err
	}
	result, err := evaluate(tokens)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func extractKeywordsTool(_ context.Context, params map[string]any) (any, error) {
	text, _ := params["text"].(string)
	seen := make(map[string]bool)
	var keywords []string
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'()")
		if len(word) < 4 || seen[word] {
			continue
		}
		seen[word] = true
		keywords = append(keywords, word)
		if len(keywords) == 10 {
			break
		}
	}
	return keywords, nil
}

func tokenize(expression string) ([]string, error) {
	var tokens []string
	var number strings.Builder
	for _, r := range expression {
		switch {
		case r >= '0' && r <= '9' || r == '.':
			number.WriteRune(r)
		case r == '+' || r == '-' || r == '*' || r == '/':
			if number.Len() == 0 {
				return nil, xerrors.New(xerrors.CodeInvalidArgument,
					fmt.Sprintf("表达式中运算符位置非法: %s", expression))
			}
			tokens = append(tokens, number.String(), string(r))
			number.Reset()
		default:
			return nil, xerrors.New(xerrors.CodeInvalidArgument,
				fmt.Sprintf("表达式包含不支持的字符: %c", r))
		}
	}
	if number.Len() == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "表达式不能以运算符结尾")
	}
	tokens = append(tokens, number.String())
	return tokens, nil
}

// evaluate 先做乘除、再做加减。
func evaluate(tokens []string) (float64, error) {
	values, operators, err := foldMulDiv(tokens)
	if err != nil {
		return 0, err
	}

	result := values[0]
	for i, op := range operators {
		if op == "+" {
			result += values[i+1]
		} else {
			result -= values[i+1]
		}
	}
	return result, nil
}

func foldMulDiv(tokens []string) ([]float64, []string, error) {
	first, err := strconv.ParseFloat(tokens[0], 64)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析数字失败")
	}
	values := []float64{first}
	var operators []string

	for i := 1; i < len(tokens); i += 2 {
		op := tokens[i]
		operand, err := strconv.ParseFloat(tokens[i+1], 64)
		if err != nil {
			return nil, nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析数字失败")
		}
		switch op {
		case "*":
			values[len(values)-1] *= operand
		case "/":
			if operand == 0 {
				return nil, nil, xerrors.New(xerrors.CodeInvalidArgument, "除数不能为零")
			}
			values[len(values)-1] /= operand
		default:
			values = append(values, operand)
			operators = append(operators, op)
		}
	}
	return values, operators, nil
}
