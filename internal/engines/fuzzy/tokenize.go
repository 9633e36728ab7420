package fuzzy

import (
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// 文件扩展名不参与匹配
var fileExtensions = map[string]bool{
	"csv": true, "xlsx": true, "xls": true, "json": true, "pdf": true,
	"txt": true, "tsv": true, "parquet": true, "doc": true, "docx": true, "md": true,
}

// 查询中的虚词
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "of": true, "in": true, "on": true, "for": true,
	"to": true, "me": true, "my": true, "show": true, "what": true, "whats": true, "is": true,
	"are": true, "file": true, "files": true, "sheet": true, "please": true, "open": true,
	"find": true, "get": true, "from": true, "with": true, "and": true, "or": true,
	"this": true, "that": true, "use": true, "using": true, "one": true, "s": true,
}

// normalize 去除变音符号并做大小写折叠
func normalize(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return cases.Fold().String(out)
}

// splitCamel 在小写到大写的边界插入空格：salesData -> sales Data
func splitCamel(s string) string {
	var b strings.Builder
	prev := rune(0)
	for _, r := range s {
		if unicode.IsUpper(r) && unicode.IsLower(prev) {
			b.WriteRune(' ')
		}
		b.WriteRune(r)
		prev = r
	}
	return b.String()
}

// tokenize 切分为小写词元，保留顺序
func tokenize(s string) []string {
	s = normalize(splitCamel(s))
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// nameTokens 文件名词元，去掉扩展名
func nameTokens(name string) []string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	if fileExtensions[ext] {
		name = strings.TrimSuffix(name, filepath.Ext(name))
	}
	tokens := tokenize(name)
	out := tokens[:0]
	for _, t := range tokens {
		if !fileExtensions[t] {
			out = append(out, t)
		}
	}
	return out
}

// contentTokens 去掉虚词后的查询词元
func contentTokens(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if !stopwords[t] {
			out = append(out, t)
		}
	}
	return out
}

func tokenSet(groups ...[]string) map[string]bool {
	set := make(map[string]bool)
	for _, g := range groups {
		for _, t := range g {
			set[t] = true
		}
	}
	return set
}

// containsPhrase 按词边界判断 phrase 是否出现在 text 中
func containsPhrase(text, phrase []string) bool {
	if len(phrase) == 0 || len(phrase) > len(text) {
		return false
	}
	for i := 0; i+len(phrase) <= len(text); i++ {
		match := true
		for j := range phrase {
			if text[i+j] != phrase[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// Tokenize 名称或查询的有效词元：去扩展名、去虚词
func Tokenize(s string) []string {
	return contentTokens(nameTokens(s))
}
