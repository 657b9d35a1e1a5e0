package message

import "math"

// Coerce converts arg to the requested typetag code, following the
// data model's coercion rules: numeric widening never loses
// information; narrowing rounds toward zero and only succeeds if the
// result is exactly representable in the target type; string and
// symbol are interchangeable; T/F/B interconvert with i/h as 0/1. Any
// conversion that would lose information returns ok=false and the
// caller must leave its cursor unchanged.
func Coerce(arg Arg, want byte) (Arg, bool) {
	if arg.Type == want {
		return arg, true
	}
	switch want {
	case TypeInt32:
		v, ok := toInt64(arg)
		if !ok || v < math.MinInt32 || v > math.MaxInt32 {
			return Arg{}, false
		}
		return Arg{Type: want, I: int32(v)}, true
	case TypeInt64:
		v, ok := toInt64(arg)
		if !ok {
			return Arg{}, false
		}
		return Arg{Type: want, H: v}, true
	case TypeFloat32:
		v, ok := toFloat64(arg)
		if !ok {
			return Arg{}, false
		}
		f := float32(v)
		if float64(f) != v {
			return Arg{}, false
		}
		return Arg{Type: want, F: f}, true
	case TypeFloat64, TypeTimetag:
		v, ok := toFloat64(arg)
		if !ok {
			return Arg{}, false
		}
		return Arg{Type: want, D: v}, true
	case TypeChar:
		v, ok := toInt64(arg)
		if !ok || v < math.MinInt32 || v > math.MaxInt32 {
			return Arg{}, false
		}
		return Arg{Type: want, I: int32(v)}, true
	case TypeString, TypeSymbol:
		if arg.Type != TypeString && arg.Type != TypeSymbol {
			return Arg{}, false
		}
		return Arg{Type: want, S: arg.S}, true
	case TypeTrue:
		v, ok := toBool(arg)
		if !ok || !v {
			return Arg{}, false
		}
		return Arg{Type: want}, true
	case TypeFalse:
		v, ok := toBool(arg)
		if !ok || v {
			return Arg{}, false
		}
		return Arg{Type: want}, true
	case TypeBool:
		v, ok := toBool(arg)
		if !ok {
			return Arg{}, false
		}
		i := int32(0)
		if v {
			i = 1
		}
		return Arg{Type: want, I: i}, true
	default:
		return Arg{}, false
	}
}

func toInt64(a Arg) (int64, bool) {
	switch a.Type {
	case TypeInt32, TypeChar:
		return int64(a.I), true
	case TypeInt64:
		return a.H, true
	case TypeFloat32:
		return truncToInt(float64(a.F))
	case TypeFloat64, TypeTimetag:
		return truncToInt(a.D)
	case TypeTrue:
		return 1, true
	case TypeFalse:
		return 0, true
	case TypeBool:
		return int64(a.I), true
	default:
		return 0, false
	}
}

func truncToInt(f float64) (int64, bool) {
	t := math.Trunc(f)
	if t < math.MinInt64 || t > math.MaxInt64 {
		return 0, false
	}
	return int64(t), true
}

func toFloat64(a Arg) (float64, bool) {
	switch a.Type {
	case TypeInt32, TypeChar:
		return float64(a.I), true
	case TypeInt64:
		return float64(a.H), true
	case TypeFloat32:
		return float64(a.F), true
	case TypeFloat64, TypeTimetag:
		return a.D, true
	case TypeTrue:
		return 1, true
	case TypeFalse:
		return 0, true
	case TypeBool:
		return float64(a.I), true
	default:
		return 0, false
	}
}

func toBool(a Arg) (bool, bool) {
	switch a.Type {
	case TypeTrue:
		return true, true
	case TypeFalse:
		return false, true
	case TypeBool, TypeInt32, TypeChar:
		return a.I != 0, true
	case TypeInt64:
		return a.H != 0, true
	default:
		return false, false
	}
}
