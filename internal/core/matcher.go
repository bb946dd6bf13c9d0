package core

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrUnsupportedOperator = errors.New("unsupported operator")

// Matches applies a single condition to subject. Comparisons are byte-exact
// and case-sensitive.
func Matches(condition Condition, subject string) (bool, error) {
	switch condition.Operator {
	case OperatorEqualsTo:
		return subject == condition.Value, nil
	case OperatorNotEqualsTo:
		return subject != condition.Value, nil
	case OperatorStartsWith:
		return strings.HasPrefix(subject, condition.Value), nil
	case OperatorEndsWith:
		return strings.HasSuffix(subject, condition.Value), nil
	case OperatorContains:
		return strings.Contains(subject, condition.Value), nil
	case OperatorNotContains:
		return !strings.Contains(subject, condition.Value), nil
	default:
		return false, fmt.Errorf("%w: %q", ErrUnsupportedOperator, condition.Operator)
	}
}

// MatchAll reports whether every condition matches subject.
func MatchAll(conditions []Condition, subject string) (bool, error) {
	for _, condition := range conditions {
		matched, err := Matches(condition, subject)
		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}

	return true, nil
}

// EvaluateRules reports whether every rule matches its attribute. A rule whose
// attribute is absent or not scalar never matches, but its operator is still
// checked.
func EvaluateRules(rules []Rule, attributes map[string]any) (bool, error) {
	for _, rule := range rules {
		if !rule.Operator.Valid() {
			return false, fmt.Errorf("%w: %q", ErrUnsupportedOperator, rule.Operator)
		}

		value, ok := attributes[rule.Attribute]
		if !ok {
			return false, nil
		}

		subject, ok := attributeString(value)
		if !ok {
			return false, nil
		}

		matched, err := Matches(rule.Condition(), subject)
		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}

	return true, nil
}

func attributeString(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case bool:
		return strconv.FormatBool(v), true
	case int:
		return strconv.Itoa(v), true
	case int32:
		return strconv.FormatInt(int64(v), 10), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case uint:
		return strconv.FormatUint(uint64(v), 10), true
	case uint32:
		return strconv.FormatUint(uint64(v), 10), true
	case uint64:
		return strconv.FormatUint(v, 10), true
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case fmt.Stringer:
		return v.String(), true
	default:
		return "", false
	}
}
