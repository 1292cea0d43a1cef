package session

// echoGuard marks the span during which a remote payload is being applied, so that the
// document change it causes is not mistaken for a local edit and broadcast again. It is only
// touched with the session lock held.
type echoGuard struct {
	depth int
}

// run holds the guard for the duration of fn, releasing it on every exit path.
func (g *echoGuard) run(fn func() error) error {
	g.depth++
	defer func() { g.depth-- }()
	return fn()
}

func (g *echoGuard) active() bool {
	return g.depth > 0
}
