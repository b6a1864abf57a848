package gorules

import "github.com/quasilyte/go-ruleguard/dsl"

func smells(m dsl.Matcher) {
	// Consecutive guards with the same return can be merged with ||.
	m.Match(`if $c1 { return $ret }; if $c2 { return $ret }`).
		Report(`two consecutive guards return the same value; consider merging conditions with ||`).
		Suggest(`if $c1 || $c2 { return $ret }`)

	m.Match(`if $c1 { continue }; if $c2 { continue }`).
		Report(`two consecutive continues; consider merging conditions with ||`).
		Suggest(`if $c1 || $c2 { continue }`)

	m.Match(`for $*_ { for $*_ { $*_ } }`).
		Report(`nested for-loop; consider extracting inner loop logic or reducing algorithmic complexity`)
}

// processes keeps process spawning inside the execution providers, where
// timeouts, process groups and output limits are enforced.
func processes(m dsl.Matcher) {
	m.Import("os/exec")

	m.Match(`exec.Command($*_)`, `exec.CommandContext($*_)`).
		Where(!m.File().PkgPath.Matches(`/internal/domain/execution$`)).
		Report(`spawn processes through an execution.Provider, not os/exec`)
}

// exits keeps os.Exit in package main so deferred cleanup always runs.
func exits(m dsl.Matcher) {
	m.Match(`os.Exit($code)`).
		Where(!m.File().PkgPath.Matches(`/cmd/`) && !m["code"].Text.Matches(`^m\.Run\(\)$`)).
		Report(`return an error instead of calling os.Exit outside cmd/`)
}

// secrets flags resolved environment values reaching the log unmasked.
func secrets(m dsl.Matcher) {
	m.Import("github.com/matiasleandrokruk/enact/internal/domain/environment")

	m.Match(`$ev.Strs($key, $env.Values())`, `$ev.Interface($key, $env)`).
		Where(m["env"].Type.Is(`environment.Environment`)).
		Report(`log environment.Names or masked values, never resolved values`)
}
