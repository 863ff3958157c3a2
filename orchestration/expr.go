package orchestration

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// evalExpression evaluates a restricted boolean expression over the
// variables map. The grammar supports identifiers (truthiness of the named
// variable), `==`/`!=` comparisons against string, number, and boolean
// literals, `!`, `&&`, `||`, and parentheses. Anything else is a parse
// error; the matcher treats a failed parse as a non-match.
func evalExpression(expr string, variables map[string]interface{}) (bool, error) {
	p := &exprParser{tokens: tokenizeExpr(expr), variables: variables}
	result, err := p.parseOr()
	if err != nil {
		return false, err
	}
	if p.pos < len(p.tokens) {
		return false, fmt.Errorf("unexpected token %q", p.tokens[p.pos])
	}
	return result, nil
}

func tokenizeExpr(expr string) []string {
	var tokens []string
	runes := []rune(expr)
	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(' || r == ')' || r == '!':
			if r == '!' && i+1 < len(runes) && runes[i+1] == '=' {
				tokens = append(tokens, "!=")
				i += 2
				break
			}
			tokens = append(tokens, string(r))
			i++
		case r == '=' && i+1 < len(runes) && runes[i+1] == '=':
			tokens = append(tokens, "==")
			i += 2
		case r == '&' && i+1 < len(runes) && runes[i+1] == '&':
			tokens = append(tokens, "&&")
			i += 2
		case r == '|' && i+1 < len(runes) && runes[i+1] == '|':
			tokens = append(tokens, "||")
			i += 2
		case r == '\'' || r == '"':
			quote := r
			j := i + 1
			for j < len(runes) && runes[j] != quote {
				j++
			}
			tokens = append(tokens, string(quote)+string(runes[i+1:min(j, len(runes))]))
			if j < len(runes) {
				j++
			}
			i = j
		default:
			j := i
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) ||
				runes[j] == '_' || runes[j] == '.' || runes[j] == '-') {
				j++
			}
			if j == i {
				tokens = append(tokens, string(r))
				i++
				break
			}
			tokens = append(tokens, string(runes[i:j]))
			i = j
		}
	}
	return tokens
}

type exprParser struct {
	tokens    []string
	pos       int
	variables map[string]interface{}
}

func (p *exprParser) peek() string {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return ""
}

func (p *exprParser) next() string {
	tok := p.peek()
	p.pos++
	return tok
}

func (p *exprParser) parseOr() (bool, error) {
	left, err := p.parseAnd()
	if err != nil {
		return false, err
	}
	for p.peek() == "||" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return false, err
		}
		left = left || right
	}
	return left, nil
}

func (p *exprParser) parseAnd() (bool, error) {
	left, err := p.parseUnary()
	if err != nil {
		return false, err
	}
	for p.peek() == "&&" {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return false, err
		}
		left = left && right
	}
	return left, nil
}

func (p *exprParser) parseUnary() (bool, error) {
	if p.peek() == "!" {
		p.next()
		val, err := p.parseUnary()
		if err != nil {
			return false, err
		}
		return !val, nil
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (bool, error) {
	tok := p.peek()
	if tok == "" {
		return false, fmt.Errorf("unexpected end of expression")
	}
	if tok == "(" {
		p.next()
		val, err := p.parseOr()
		if err != nil {
			return false, err
		}
		if p.next() != ")" {
			return false, fmt.Errorf("missing closing parenthesis")
		}
		return val, nil
	}
	if tok == ")" || tok == "&&" || tok == "||" || tok == "==" || tok == "!=" {
		return false, fmt.Errorf("unexpected token %q", tok)
	}

	name := p.next()
	op := p.peek()
	if op != "==" && op != "!=" {
		return truthy(p.variables[name]), nil
	}
	p.next()
	lit := p.next()
	if lit == "" {
		return false, fmt.Errorf("missing comparison operand")
	}

	equal := compareValue(p.variables[name], lit)
	if op == "!=" {
		return !equal, nil
	}
	return equal, nil
}

// compareValue compares a variable value against a literal token. Quoted
// tokens compare as strings; bare tokens try boolean and numeric forms
// before falling back to string comparison.
func compareValue(val interface{}, lit string) bool {
	if strings.HasPrefix(lit, "'") || strings.HasPrefix(lit, "\"") {
		s, ok := val.(string)
		return ok && s == lit[1:]
	}
	switch lit {
	case "true", "false":
		b, ok := val.(bool)
		return ok && strconv.FormatBool(b) == lit
	case "null", "nil":
		return val == nil
	}
	if num, err := strconv.ParseFloat(lit, 64); err == nil {
		switch v := val.(type) {
		case float64:
			return v == num
		case int:
			return float64(v) == num
		case int64:
			return float64(v) == num
		}
		return false
	}
	s, ok := val.(string)
	return ok && s == lit
}

func truthy(val interface{}) bool {
	switch v := val.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	default:
		return true
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
