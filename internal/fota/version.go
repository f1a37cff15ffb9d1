package fota

import (
	"strconv"
	"strings"
)

// compareVersions returns -1, 0, or 1 for a<b, a==b, a>b. Versions are
// compared component-by-component on "." splits, missing components treated
// as zero; if any component on either side isn't a plain integer, the whole
// comparison falls back to lexicographic comparison of the original strings.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")

	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}

	for i := 0; i < n; i++ {
		ac, bc := "0", "0"
		if i < len(as) {
			ac = as[i]
		}
		if i < len(bs) {
			bc = bs[i]
		}

		ai, aerr := strconv.Atoi(ac)
		bi, berr := strconv.Atoi(bc)
		if aerr != nil || berr != nil {
			return strings.Compare(a, b)
		}
		if ai != bi {
			if ai < bi {
				return -1
			}
			return 1
		}
	}
	return 0
}
