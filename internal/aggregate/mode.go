package aggregate

// Mode selects how a window of values is reduced to one representative value.
type Mode int

const (
	MEAN Mode = iota
	MEDIAN
	MIN
	MAX
	FIRST
	LAST
	SMART
)

// smartCVThreshold implements the SMART rule set: prefer MEAN when the
// coefficient of variation is low, fall
// back to MEDIAN when the range is wide relative to the mean, else MEAN.
const smartCVThreshold = 0.10

// Select reduces values to one representative value under mode. SMART first
// resolves to a concrete mode via the coefficient-of-variation/range rules,
// then applies it.
func Select(values []uint16, mode Mode) uint16 {
	if len(values) == 0 {
		return 0
	}
	st := Compute(values)

	if mode == SMART {
		mode = resolveSmart(st)
	}

	switch mode {
	case MEAN:
		return uint16(st.Mean)
	case MEDIAN:
		return uint16(st.Median)
	case MIN:
		return st.Min
	case MAX:
		return st.Max
	case FIRST:
		return st.First
	case LAST:
		return st.Last
	default:
		return uint16(st.Mean)
	}
}

// resolveSmart picks a concrete mode from pre-computed stats, checking the
// variation rule before the range rule.
func resolveSmart(st Stats) Mode {
	if st.Mean > 0 {
		cv := float64(st.StdDev) / float64(st.Mean)
		if cv < smartCVThreshold {
			return MEAN
		}
	}
	if float64(st.Range) > float64(st.Mean)/2 {
		return MEDIAN
	}
	return MEAN
}
