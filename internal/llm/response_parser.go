package llm

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSON 响应中找不到JSON对象
var ErrNoJSON = errors.New("no JSON object found in completion")

// ParseJSONResponse 解析JSON响应，容忍LLM在JSON前后附带的说明文字和代码块
func ParseJSONResponse(content string, target interface{}) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return ErrNoJSON
	}

	// 尝试直接解析
	if err := json.Unmarshal([]byte(content), target); err == nil {
		return nil
	}

	// 提取第一个完整的对象，跳过字符串内的括号
	jsonStart := -1
	depth := 0
	inString := false
	escaped := false

	for i, char := range content {
		if inString {
			switch {
			case escaped:
				escaped = false
			case char == '\\':
				escaped = true
			case char == '"':
				inString = false
			}
			continue
		}

		switch char {
		case '"':
			if jsonStart != -1 {
				inString = true
			}
		case '{':
			if jsonStart == -1 {
				jsonStart = i
			}
			depth++
		case '}':
			if jsonStart == -1 {
				continue
			}
			depth--
			if depth == 0 {
				return json.Unmarshal([]byte(content[jsonStart:i+1]), target)
			}
		}
	}

	return ErrNoJSON
}
