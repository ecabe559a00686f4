package template

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	dateLayout     = "02 Jan 2006"
	dateTimeLayout = "02 Jan 2006 15:04"
)

var currencySymbols = map[string]string{
	"usd": "$",
	"myr": "RM ",
}

func (r *Renderer) apply(spec string, val interface{}) interface{} {
	name, arg, _ := strings.Cut(spec, ":")
	name = strings.ToLower(strings.TrimSpace(name))
	arg = strings.TrimSpace(arg)

	switch name {
	case "currency":
		return r.formatCurrency(val, arg)
	case "number":
		return r.formatNumber(val)
	case "times", "divided_by", "plus", "minus":
		return arithmetic(name, val, arg)
	case "date":
		return r.formatEpoch(val, time.Millisecond, dateLayout)
	case "date_unix":
		return r.formatEpoch(val, time.Second, dateLayout)
	case "date_time_unix":
		return r.formatEpoch(val, time.Second, dateTimeLayout)
	case "upper":
		return strings.ToUpper(Stringify(val))
	case "lower":
		return strings.ToLower(Stringify(val))
	case "list":
		return Stringify(val)
	default:
		return val
	}
}

func (r *Renderer) formatCurrency(val interface{}, code string) interface{} {
	n, ok := toFloat(val)
	if !ok {
		return val
	}
	code = strings.ToLower(code)
	if code == "" {
		code = r.currency
	}
	symbol, ok := currencySymbols[code]
	if !ok {
		symbol = strings.ToUpper(code) + " "
	}
	sign := ""
	if n < 0 {
		sign = "-"
		n = -n
	}
	return sign + symbol + r.printer.Sprintf("%.2f", n)
}

func (r *Renderer) formatNumber(val interface{}) interface{} {
	n, ok := toFloat(val)
	if !ok {
		return val
	}
	if n == math.Trunc(n) && math.Abs(n) < 1e15 {
		return r.printer.Sprintf("%d", int64(n))
	}
	return r.printer.Sprintf("%.2f", n)
}

// arithmetic never produces NaN or Inf; it returns the input unchanged instead.
func arithmetic(op string, val interface{}, arg string) interface{} {
	n, ok := toFloat(val)
	if !ok {
		return val
	}
	operand, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return val
	}

	var out float64
	switch op {
	case "times":
		out = n * operand
	case "divided_by":
		if operand == 0 {
			return val
		}
		out = n / operand
	case "plus":
		out = n + operand
	case "minus":
		out = n - operand
	}
	if math.IsNaN(out) || math.IsInf(out, 0) {
		return val
	}
	if math.Abs(out) < 1e9 {
		out = math.Round(out*1e9) / 1e9
	}
	return out
}

func (r *Renderer) formatEpoch(val interface{}, unit time.Duration, layout string) interface{} {
	if s, ok := val.(string); ok {
		if t, err := time.Parse(time.RFC3339, strings.TrimSpace(s)); err == nil {
			return t.In(r.loc).Format(layout)
		}
	}
	n, ok := toFloat(val)
	if !ok {
		return val
	}
	var t time.Time
	if unit == time.Millisecond {
		t = time.UnixMilli(int64(n))
	} else {
		t = time.Unix(int64(n), 0)
	}
	return t.In(r.loc).Format(layout)
}

// Stringify renders a context value deterministically: arrays are joined with
// ", " and objects are JSON-encoded.
func Stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case json.Number:
		return t.String()
	case []string:
		return strings.Join(t, ", ")
	case []interface{}:
		parts := make([]string, len(t))
		for i, item := range t {
			parts[i] = Stringify(item)
		}
		return strings.Join(parts, ", ")
	case fmt.Stringer:
		return t.String()
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(t), ",", ""), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
