package collab

import (
	"strings"
	"unicode/utf8"
)

// 文本按行寻址：Line / Column 都从 1 开始，Column 以 rune 计数（不是 byte）。
// Position{1,1} 即文档开头；一行末尾的插入点是 len(line)+1。
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Compare 按 (line, column) 字典序比较，返回 -1 / 0 / 1。
func (p Position) Compare(q Position) int {
	if p.Line != q.Line {
		if p.Line < q.Line {
			return -1
		}
		return 1
	}
	if p.Column != q.Column {
		if p.Column < q.Column {
			return -1
		}
		return 1
	}
	return 0
}

func (p Position) Before(q Position) bool { return p.Compare(q) < 0 }

// Range 是半开区间 [Start, End)：End 指向区间后第一个未包含的位置。
// Start == End 表示一个点（插入点）。
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

func (r Range) IsPoint() bool { return r.Start.Compare(r.End) == 0 }

// 以下三个函数是纯函数：同样输入永远产生同样输出，
// 这样 history 回放出来的内容才能和 session.content 完全一致。

// ApplyInsert 在 pos 处插入 text。越界坐标一律收敛到最近的合法位置
// （光标移动和并发编辑之间存在竞态，这里选择 clamp 而不是报错）。
// text 可以带换行，Join 之后自然变成多行。
func ApplyInsert(content string, pos Position, text string) string {
	lines := strings.Split(content, "\n")
	pos = clampPosition(lines, pos)
	line := []rune(lines[pos.Line-1])
	col := pos.Column - 1
	lines[pos.Line-1] = string(line[:col]) + text + string(line[col:])
	return strings.Join(lines, "\n")
}

// ApplyDelete 删除 [rng.Start, rng.End)。End 在 Start 之前是 INVALID_RANGE；
// 单行与跨行删除都支持，越界坐标同样 clamp。
func ApplyDelete(content string, rng Range) (string, error) {
	if rng.End.Before(rng.Start) {
		return "", ErrInvalidRange
	}
	lines := strings.Split(content, "\n")
	start := clampPosition(lines, rng.Start)
	end := clampPosition(lines, rng.End)
	if end.Before(start) {
		// clamp 之后可能反转（比如两端都越界到同一行）
		end = start
	}

	if start.Line == end.Line {
		line := []rune(lines[start.Line-1])
		lines[start.Line-1] = string(line[:start.Column-1]) + string(line[end.Column-1:])
		return strings.Join(lines, "\n"), nil
	}

	// 跨行：首行前缀 + 末行后缀合成一行，中间行整体丢弃
	first := []rune(lines[start.Line-1])
	last := []rune(lines[end.Line-1])
	joined := string(first[:start.Column-1]) + string(last[end.Column-1:])

	out := make([]string, 0, len(lines))
	out = append(out, lines[:start.Line-1]...)
	out = append(out, joined)
	out = append(out, lines[end.Line:]...)
	return strings.Join(out, "\n"), nil
}

// ApplyReplace 定义为先删后插：和分两步原子执行的结果完全一致。
func ApplyReplace(content string, rng Range, text string) (string, error) {
	deleted, err := ApplyDelete(content, rng)
	if err != nil {
		return "", err
	}
	return ApplyInsert(deleted, rng.Start, text), nil
}

func clampPosition(lines []string, p Position) Position {
	if p.Line < 1 {
		p.Line = 1
	}
	if p.Line > len(lines) {
		p.Line = len(lines)
	}
	width := utf8.RuneCountInString(lines[p.Line-1])
	if p.Column < 1 {
		p.Column = 1
	}
	if p.Column > width+1 {
		p.Column = width + 1
	}
	return p
}

// advancePosition 返回从 pos 开始插入 text 之后、插入内容末尾的位置。
// 用于计算一次 insert 在文档里占据的区间。
func advancePosition(pos Position, text string) Position {
	nl := strings.Count(text, "\n")
	if nl == 0 {
		return Position{Line: pos.Line, Column: pos.Column + utf8.RuneCountInString(text)}
	}
	tail := text[strings.LastIndexByte(text, '\n')+1:]
	return Position{Line: pos.Line + nl, Column: utf8.RuneCountInString(tail) + 1}
}
