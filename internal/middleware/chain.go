package middleware

import "net/http"

// Middleware is a function that wraps an http.Handler
type Middleware func(http.Handler) http.Handler

// Chain represents a chain of middlewares
type Chain struct {
	middlewares []Middleware
}

// NewChain creates a new middleware chain
func NewChain(middlewares ...Middleware) *Chain {
	return &Chain{
		middlewares: middlewares,
	}
}

// Then chains the middlewares and returns the final handler
func (c *Chain) Then(h http.Handler) http.Handler {
	if h == nil {
		h = http.NotFoundHandler()
	}

	// Apply middlewares in reverse order so first middleware is outermost
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		h = c.middlewares[i](h)
	}

	return h
}

// Compose merges several middlewares into one, first outermost.
func Compose(middlewares ...Middleware) Middleware {
	return func(next http.Handler) http.Handler {
		return NewChain(middlewares...).Then(next)
	}
}

// Len returns the number of middlewares in the chain
func (c *Chain) Len() int {
	return len(c.middlewares)
}

// Stage is a named step of the request pipeline.
type Stage struct {
	Name       string
	Middleware Middleware
}

// Builder assembles named stages in order.
type Builder struct {
	stages []Stage
}

// NewBuilder creates a new middleware builder
func NewBuilder() *Builder {
	return &Builder{}
}

// Use adds a stage to the builder
func (b *Builder) Use(name string, m Middleware) *Builder {
	b.stages = append(b.stages, Stage{Name: name, Middleware: m})
	return b
}

// UseIf adds a stage conditionally
func (b *Builder) UseIf(condition bool, name string, m Middleware) *Builder {
	if condition {
		b.Use(name, m)
	}
	return b
}

// Names returns the stage names in execution order.
func (b *Builder) Names() []string {
	names := make([]string, len(b.stages))
	for i, s := range b.stages {
		names[i] = s.Name
	}
	return names
}

// Build creates a Chain from the builder
func (b *Builder) Build() *Chain {
	mws := make([]Middleware, len(b.stages))
	for i, s := range b.stages {
		mws[i] = s.Middleware
	}
	return NewChain(mws...)
}

// Handler wraps the given handler with all stages
func (b *Builder) Handler(h http.Handler) http.Handler {
	return b.Build().Then(h)
}
