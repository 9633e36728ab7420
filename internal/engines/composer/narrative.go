package composer

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// maxLeadingPhrase 判定重复开头短语时最多比较的词数
const maxLeadingPhrase = 6

// JoinNarrative 拼接叙述片段，去掉与前文重叠的开头词
//   - 前文结尾与本段开头的重叠词只保留一份："Here is" + "here is the total" -> "Here is the total"
//   - 与上一段相同的开头短语（以逗号结束）只出现一次
//   - 与上一段完全相同的片段跳过
func JoinNarrative(segments ...string) string {
	var out []string
	prevLead, prevSeg := "", ""
	for _, seg := range segments {
		words := strings.Fields(seg)
		if len(words) == 0 {
			continue
		}
		key := foldPhrase(words)
		if key == prevSeg {
			continue
		}
		prevSeg = key
		if len(out) == 0 {
			out = append(out, words...)
			prevLead = leadingPhrase(words)
			continue
		}

		if k := overlap(out, words); k > 0 {
			words = words[k:]
		} else if lead := leadingPhrase(words); lead != "" && lead == prevLead {
			n := len(strings.Fields(lead))
			words = capitalizeFirst(words[n:])
		} else {
			prevLead = leadingPhrase(words)
		}
		out = append(out, words...)
	}
	return strings.Join(out, " ")
}

// overlap 前文末尾 k 个词与本段开头 k 个词相同的最大 k
// 前文以句末标点结束时不合并
func overlap(acc, next []string) int {
	if last := acc[len(acc)-1]; strings.HasSuffix(last, ".") || strings.HasSuffix(last, "!") || strings.HasSuffix(last, "?") {
		return 0
	}
	limit := min(len(acc), len(next))
	for k := limit; k > 0; k-- {
		match := true
		for i := 0; i < k; i++ {
			if foldWord(acc[len(acc)-k+i]) != foldWord(next[i]) {
				match = false
				break
			}
		}
		if match {
			return k
		}
	}
	return 0
}

// leadingPhrase 以逗号结束的开头短语，小写；至少两个词
func leadingPhrase(words []string) string {
	for i := 1; i < len(words) && i < maxLeadingPhrase; i++ {
		if strings.HasSuffix(words[i], ",") {
			parts := make([]string, i+1)
			for j := 0; j <= i; j++ {
				parts[j] = strings.ToLower(words[j])
			}
			return strings.Join(parts, " ")
		}
	}
	return ""
}

// foldWord 比较用的词：小写，去掉首尾标点
func foldWord(w string) string {
	return strings.ToLower(strings.TrimFunc(w, func(r rune) bool {
		return unicode.IsPunct(r)
	}))
}

func foldPhrase(words []string) string {
	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = foldWord(w)
	}
	return strings.Join(parts, " ")
}

func capitalizeFirst(words []string) []string {
	if len(words) == 0 {
		return words
	}
	out := append([]string(nil), words...)
	r, size := utf8.DecodeRuneInString(out[0])
	out[0] = string(unicode.ToUpper(r)) + out[0][size:]
	return out
}
