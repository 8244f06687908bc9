package pdf

import (
	"sort"
	"strconv"
	"strings"
)

// parsePageNumbers は "1,3,5-7" 形式のページ指定を解釈します。
// 解釈できない要素は無視し、ページ数の範囲外のページは skipped に入れます。
// 戻り値は重複を除いた昇順です。
func parsePageNumbers(expr string, pageCount int) (pages, skipped []int) {
	inRange := make(map[int]struct{})
	outOfRange := make(map[int]struct{})

	add := func(p int) {
		if p >= 1 && p <= pageCount {
			inRange[p] = struct{}{}
		} else {
			outOfRange[p] = struct{}{}
		}
	}

	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if startRaw, endRaw, ok := strings.Cut(part, "-"); ok {
			start, err1 := strconv.Atoi(strings.TrimSpace(startRaw))
			end, err2 := strconv.Atoi(strings.TrimSpace(endRaw))
			if err1 != nil || err2 != nil || end < start {
				continue
			}
			if start < 1 {
				outOfRange[start] = struct{}{}
				start = 1
			}
			if end > pageCount {
				outOfRange[end] = struct{}{}
				end = pageCount
			}
			for p := start; p <= end; p++ {
				add(p)
			}
			continue
		}
		page, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		add(page)
	}

	return sortedKeys(inRange), sortedKeys(outOfRange)
}

func sortedKeys(set map[int]struct{}) []int {
	if len(set) == 0 {
		return nil
	}
	keys := make([]int, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
