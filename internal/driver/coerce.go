/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package driver

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// coerce converts v to the Go representation of t:
// float64, int64, bool or string.
func coerce(t PointType, v any) (any, error) {
	switch t {
	case TypeFloat:
		return toFloat(v)
	case TypeInt:
		return toInt(v)
	case TypeBool:
		return toBool(v)
	case TypeString:
		switch s := v.(type) {
		case string:
			return s, nil
		case nil:
			return nil, fmt.Errorf("null is not a string")
		default:
			return fmt.Sprint(s), nil
		}
	}
	return nil, fmt.Errorf("unknown point type %q", t)
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("could not convert string to float: %q", n)
		}
		return f, nil
	}
	return 0, fmt.Errorf("cannot use %T as float", v)
}

func toInt(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("%d overflows int", n)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
		if n < math.MinInt64 || n >= math.MaxInt64 {
			return 0, fmt.Errorf("%v overflows int", n)
		}
		return int64(n), nil
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid literal for int: %q", n.String())
		}
		return toInt(f)
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid literal for int: %q", n)
		}
		return i, nil
	}
	return 0, fmt.Errorf("cannot use %T as int", v)
}

func toBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			return false, fmt.Errorf("invalid literal for bool: %q", b)
		}
		return parsed, nil
	default:
		f, err := toFloat(v)
		if err != nil {
			return false, fmt.Errorf("cannot use %T as bool", v)
		}
		return f != 0, nil
	}
}
