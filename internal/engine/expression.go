package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// Template: разобранное значение конфигурации узла.
//
// Варианты:
//   - Literal:       значение без выражений, возвращается как есть
//   - Expr:          строка, целиком состоящая из одного {{ ... }}; тип значения сохраняется
//   - Interpolation: текст вперемешку с выражениями; результат всегда строка
//   - MapTemplate:   объект, значения которого разбираются рекурсивно
//   - ListTemplate:  массив, элементы которого разбираются рекурсивно
type Template interface {
	template()
}

// Literal: значение без выражений.
type Literal struct {
	Value any
}

// Expr: одно выражение {{ path | fn args }}.
type Expr struct {
	// Raw: исходный текст вместе со скобками.
	Raw string

	Path  Path
	Pipes []Call

	// Err: ошибка разбора; такое выражение не вычисляется
	// и остаётся в тексте как есть.
	Err error
}

// Interpolation: строка из литеральных частей и выражений.
type Interpolation struct {
	Parts []Template // только Literal (string) и *Expr
}

// MapTemplate: объект конфигурации.
type MapTemplate struct {
	Fields map[string]Template
}

// ListTemplate: массив конфигурации.
type ListTemplate struct {
	Items []Template
}

func (Literal) template()        {}
func (*Expr) template()          {}
func (*Interpolation) template() {}
func (*MapTemplate) template()   {}
func (*ListTemplate) template()  {}

// Segment: шаг пути: ключ объекта или индекс массива.
type Segment struct {
	Key     string
	Index   int
	IsIndex bool
}

// Path: путь в контексте run, например trigger.contact.emails[0].
type Path []Segment

// String возвращает путь в каноническом виде.
func (p Path) String() string {
	var b strings.Builder
	for i, s := range p {
		switch {
		case s.IsIndex:
			fmt.Fprintf(&b, "[%d]", s.Index)
		case i == 0:
			b.WriteString(s.Key)
		default:
			b.WriteByte('.')
			b.WriteString(s.Key)
		}
	}
	return b.String()
}

// Call: вызов функции в pipe: {{ trigger.name | default "guest" }}.
type Call struct {
	Name string
	Args []string
}

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// IsExpression возвращает true, если строка содержит выражение.
func IsExpression(s string) bool {
	return strings.Contains(s, openDelim)
}

// Compile разбирает значение конфигурации в Template.
func Compile(value any) Template {
	switch v := value.(type) {
	case string:
		return compileString(v)

	case map[string]any:
		fields := make(map[string]Template, len(v))
		for key, val := range v {
			fields[key] = Compile(val)
		}
		return &MapTemplate{Fields: fields}

	case map[string]string:
		fields := make(map[string]Template, len(v))
		for key, val := range v {
			fields[key] = compileString(val)
		}
		return &MapTemplate{Fields: fields}

	case []any:
		items := make([]Template, len(v))
		for i, val := range v {
			items[i] = Compile(val)
		}
		return &ListTemplate{Items: items}

	case []string:
		items := make([]Template, len(v))
		for i, val := range v {
			items[i] = compileString(val)
		}
		return &ListTemplate{Items: items}

	default:
		return Literal{Value: value}
	}
}

func compileString(s string) Template {
	if !IsExpression(s) {
		return Literal{Value: s}
	}

	var parts []Template
	rest := s
	for rest != "" {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			parts = append(parts, Literal{Value: rest})
			break
		}
		if start > 0 {
			parts = append(parts, Literal{Value: rest[:start]})
		}
		end := strings.Index(rest[start+len(openDelim):], closeDelim)
		if end < 0 {
			parts = append(parts, &Expr{Raw: rest[start:], Err: ErrUnclosedExpression})
			break
		}
		end += start + len(openDelim)
		raw := rest[start : end+len(closeDelim)]
		parts = append(parts, parseExpr(raw, rest[start+len(openDelim):end]))
		rest = rest[end+len(closeDelim):]
	}

	if len(parts) == 1 {
		if e, ok := parts[0].(*Expr); ok {
			return e
		}
	}
	return &Interpolation{Parts: parts}
}

// parseExpr разбирает тело выражения: path ('|' call)*.
func parseExpr(raw, body string) *Expr {
	e := &Expr{Raw: raw}

	sections := splitPipes(body)
	path, err := parsePath(strings.TrimSpace(sections[0]))
	if err != nil {
		e.Err = err
		return e
	}
	e.Path = path

	for _, sec := range sections[1:] {
		call, err := parseCall(strings.TrimSpace(sec))
		if err != nil {
			e.Err = err
			return e
		}
		e.Pipes = append(e.Pipes, call)
	}
	return e
}

// splitPipes делит тело по '|' вне кавычек.
func splitPipes(body string) []string {
	var (
		out   []string
		quote rune
		last  int
	)
	for i, r := range body {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			quote = r
		case r == '|':
			out = append(out, body[last:i])
			last = i + 1
		}
	}
	return append(out, body[last:])
}

// pathParser: рекурсивный спуск по грамматике:
//
//	path    = ident { "." ident | "[" index "]" }
//	index   = digits | quoted
type pathParser struct {
	src string
	pos int
}

func parsePath(src string) (Path, error) {
	if src == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	p := &pathParser{src: src}

	first, err := p.ident()
	if err != nil {
		return nil, err
	}
	path := Path{{Key: first}}

	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case '.':
			p.pos++
			key, err := p.ident()
			if err != nil {
				return nil, err
			}
			path = append(path, Segment{Key: key})
		case '[':
			p.pos++
			seg, err := p.index()
			if err != nil {
				return nil, err
			}
			path = append(path, seg)
		default:
			return nil, fmt.Errorf("%w: unexpected %q in %q", ErrInvalidPath, p.src[p.pos], p.src)
		}
	}
	return path, nil
}

func isIdentChar(c byte) bool {
	return c == '_' || c == '-' || c == '$' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func (p *pathParser) ident() (string, error) {
	start := p.pos
	for p.pos < len(p.src) && isIdentChar(p.src[p.pos]) {
		p.pos++
	}
	if p.pos == start {
		return "", fmt.Errorf("%w: expected identifier at %d in %q", ErrInvalidPath, start, p.src)
	}
	return p.src[start:p.pos], nil
}

func (p *pathParser) index() (Segment, error) {
	if p.pos >= len(p.src) {
		return Segment{}, fmt.Errorf("%w: unterminated index in %q", ErrInvalidPath, p.src)
	}

	var seg Segment
	if q := p.src[p.pos]; q == '"' || q == '\'' {
		end := strings.IndexByte(p.src[p.pos+1:], q)
		if end < 0 {
			return Segment{}, fmt.Errorf("%w: unterminated key in %q", ErrInvalidPath, p.src)
		}
		seg = Segment{Key: p.src[p.pos+1 : p.pos+1+end]}
		p.pos += end + 2
	} else {
		start := p.pos
		for p.pos < len(p.src) && p.src[p.pos] >= '0' && p.src[p.pos] <= '9' {
			p.pos++
		}
		n, err := strconv.Atoi(p.src[start:p.pos])
		if err != nil {
			return Segment{}, fmt.Errorf("%w: bad index in %q", ErrInvalidPath, p.src)
		}
		seg = Segment{Index: n, IsIndex: true}
	}

	if p.pos >= len(p.src) || p.src[p.pos] != ']' {
		return Segment{}, fmt.Errorf("%w: expected ] in %q", ErrInvalidPath, p.src)
	}
	p.pos++
	return seg, nil
}

// parseCall разбирает "name arg1 "arg 2"".
func parseCall(src string) (Call, error) {
	fields, err := splitArgs(src)
	if err != nil {
		return Call{}, err
	}
	if len(fields) == 0 {
		return Call{}, fmt.Errorf("%w: empty pipe", ErrUnknownFunction)
	}
	name := fields[0]
	fn, ok := exprFuncs[name]
	if !ok {
		return Call{}, fmt.Errorf("%w: %s", ErrUnknownFunction, name)
	}
	if len(fields)-1 != fn.arity {
		return Call{}, fmt.Errorf("%w: %s expects %d argument(s)", ErrUnknownFunction, name, fn.arity)
	}
	return Call{Name: name, Args: fields[1:]}, nil
}

func splitArgs(src string) ([]string, error) {
	var (
		out []string
		cur strings.Builder
		in  byte
		has bool
	)
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case in != 0:
			if c == in {
				in = 0
				continue
			}
			cur.WriteByte(c)
		case c == '"' || c == '\'':
			in = c
			has = true
		case c == ' ' || c == '\t':
			if has {
				out = append(out, cur.String())
				cur.Reset()
				has = false
			}
		default:
			cur.WriteByte(c)
			has = true
		}
	}
	if in != 0 {
		return nil, fmt.Errorf("%w: unterminated quote in %q", ErrInvalidPath, src)
	}
	if has {
		out = append(out, cur.String())
	}
	return out, nil
}
