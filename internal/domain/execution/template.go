package execution

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// InputEnvPrefix prefixes the variables that carry input values into the
// shell when a command is bound for execution.
const InputEnvPrefix = "ENACT_INPUT_"

// quoting is the shell quoting in effect at a byte of a command.
type quoting int

const (
	unquoted quoting = iota
	singleQuoted
	doubleQuoted
	escaped
)

type quoteFrame struct {
	q        quoting
	subst    bool // inside $( ... )
	depth    int  // open parentheses within subst
	backtick bool
}

// quoteContexts reports the quoting in effect at every byte of command.
// Command substitutions open a fresh unquoted context, also inside double
// quotes.
func quoteContexts(command string) []quoting {
	out := make([]quoting, len(command))
	stack := []quoteFrame{{q: unquoted}}
	pop := func() {
		if len(stack) > 1 {
			stack = stack[:len(stack)-1]
		}
	}
	for i := 0; i < len(command); i++ {
		top := &stack[len(stack)-1]
		out[i] = top.q
		c := command[i]
		next := byte(0)
		if i+1 < len(command) {
			next = command[i+1]
		}
		switch top.q {
		case singleQuoted:
			if c == '\'' {
				pop()
			}
		case doubleQuoted:
			switch {
			case c == '\\' && next != 0:
				i++
				out[i] = escaped
			case c == '"':
				pop()
			case c == '$' && next == '(':
				i++
				out[i] = doubleQuoted
				stack = append(stack, quoteFrame{q: unquoted, subst: true})
			case c == '`':
				stack = append(stack, quoteFrame{q: unquoted, backtick: true})
			}
		default:
			switch {
			case c == '\\' && next != 0:
				i++
				out[i] = escaped
			case c == '\'':
				stack = append(stack, quoteFrame{q: singleQuoted})
			case c == '"':
				stack = append(stack, quoteFrame{q: doubleQuoted})
			case c == '$' && next == '(':
				i++
				out[i] = unquoted
				stack = append(stack, quoteFrame{q: unquoted, subst: true})
			case c == '(' && top.subst:
				top.depth++
			case c == ')' && top.subst:
				if top.depth == 0 {
					pop()
				} else {
					top.depth--
				}
			case c == '`' && top.backtick:
				pop()
			case c == '`':
				stack = append(stack, quoteFrame{q: unquoted, backtick: true})
			}
		}
	}
	return out
}

// substitute replaces every ${name} that replace accepts, passing the quoting
// the placeholder sits in. Escaped placeholders are left alone.
func substitute(command string, replace func(name string, q quoting) (string, bool)) string {
	matches := placeholderRe.FindAllStringSubmatchIndex(command, -1)
	if len(matches) == 0 {
		return command
	}
	ctx := quoteContexts(command)
	var b strings.Builder
	last := 0
	for _, m := range matches {
		if ctx[m[0]] == escaped {
			continue
		}
		text, ok := replace(command[m[2]:m[3]], ctx[m[0]])
		if !ok {
			continue
		}
		b.WriteString(command[last:m[0]])
		b.WriteString(text)
		last = m[1]
	}
	b.WriteString(command[last:])
	return b.String()
}

// Render substitutes ${name} placeholders that have an input with the value
// quoted for where the placeholder sits. Placeholders without an input are
// left for the shell, so a command can still reference environment
// variables. The result is for display; Bind produces what is executed.
func Render(command string, inputs map[string]any) string {
	return renderWith(command, inputs, nil)
}

// renderWith is Render with some inputs replaced by paths.
func renderWith(command string, inputs map[string]any, paths map[string]string) string {
	return substitute(command, func(name string, q quoting) (string, bool) {
		v, ok := inputValue(name, inputs, paths)
		if !ok {
			return "", false
		}
		return quoteFor(v, q), true
	})
}

// Bind rewrites placeholders that have an input into references to
// InputEnvPrefix variables and returns those variables. Values reach the
// shell only through parameter expansion, so they are never parsed as code.
func Bind(command string, inputs map[string]any) (string, map[string]string) {
	return bindWith(command, inputs, nil)
}

func bindWith(command string, inputs map[string]any, paths map[string]string) (string, map[string]string) {
	vars := map[string]string{}
	bound := substitute(command, func(name string, q quoting) (string, bool) {
		v, ok := inputValue(name, inputs, paths)
		if !ok {
			return "", false
		}
		key := InputEnvPrefix + name
		vars[key] = v
		ref := "${" + key + "}"
		switch q {
		case doubleQuoted:
			return ref, true
		case singleQuoted:
			return `'"` + ref + `"'`, true
		default:
			return `"` + ref + `"`, true
		}
	})
	return bound, vars
}

func inputValue(name string, inputs map[string]any, paths map[string]string) (string, bool) {
	if p, ok := paths[name]; ok {
		return p, true
	}
	v, ok := inputs[name]
	if !ok {
		return "", false
	}
	return FormatValue(v), true
}

// quoteFor quotes s so it stays literal inside quoting q.
func quoteFor(s string, q quoting) string {
	switch q {
	case singleQuoted:
		return strings.ReplaceAll(s, "'", `'\''`)
	case doubleQuoted:
		return doubleQuoteEscaper.Replace(s)
	default:
		return ShellQuote(s)
	}
}

var doubleQuoteEscaper = strings.NewReplacer(`\`, `\\`, `$`, `\$`, "`", "\\`", `"`, `\"`)

// FormatValue turns an input value into its command-line text. Objects and
// arrays become JSON.
func FormatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}

// ShellQuote quotes s for POSIX sh. Strings made only of safe characters are
// returned unchanged.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	if strings.IndexFunc(s, unsafeShellRune) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

func unsafeShellRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("@%+=:,./_-", r)
}
