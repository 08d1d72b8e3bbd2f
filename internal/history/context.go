package history

import (
	"strings"
)

// ContextType classifies where a change originated.
type ContextType string

const (
	ContextShell      ContextType = "shell"
	ContextController ContextType = "controller"
	ContextSlug       ContextType = "slug"
)

// ParseContextType validates a context type name.
func ParseContextType(s string) (ContextType, error) {
	switch ContextType(s) {
	case ContextShell, ContextController, ContextSlug:
		return ContextType(s), nil
	}
	return "", &ValidationError{
		Field:   "context_type",
		Message: s + " is not allowed as context type, allowed types are: shell, controller, slug",
	}
}

// ContextProvider exposes the origin of an operation. It is captured once before recording and
// shared by every record the operation produces.
type ContextProvider interface {
	Context() Payload
	ContextType() string
	ContextSlug() string
}

// OperationContext is the standard ContextProvider.
type OperationContext struct {
	typ  ContextType
	slug string
	data Payload
}

// ShellCommand describes a command line invocation.
type ShellCommand struct {
	Name        string
	Command     string
	Args        []string
	Interactive bool
}

// ControllerRequest describes an API request. Plugin, Controller and Action form the default slug.
type ControllerRequest struct {
	Method     string
	Plugin     string
	Controller string
	Action     string
	Params     map[string]any
}

// NewShellContext builds the context of a command line operation. slug is optional.
func NewShellContext(namespace string, cmd ShellCommand, slug string) *OperationContext {
	args := make([]any, 0, len(cmd.Args))
	for _, a := range cmd.Args {
		args = append(args, a)
	}
	extra := NewPayload(
		"name", cmd.Name,
		"command", cmd.Command,
		"args", args,
		"interactive", cmd.Interactive,
	)
	return newOperationContext(ContextShell, namespace, slug, extra)
}

// NewControllerContext builds the context of an API request. Without a slug it defaults to
// plugin/controller/action.
func NewControllerContext(namespace string, req ControllerRequest, slug string) *OperationContext {
	params := map[string]any{
		"plugin":     req.Plugin,
		"controller": req.Controller,
		"action":     req.Action,
	}
	for k, v := range req.Params {
		if _, reserved := params[k]; !reserved {
			params[k] = v
		}
	}
	if slug == "" {
		slug = strings.Join([]string{req.Plugin, req.Controller, req.Action}, "/")
	}
	extra := NewPayload("params", params, "method", req.Method)
	return newOperationContext(ContextController, namespace, slug, extra)
}

// NewSlugContext builds a context identified only by its slug, which is required.
func NewSlugContext(namespace, slug string) (*OperationContext, error) {
	if strings.TrimSpace(slug) == "" {
		return nil, &ValidationError{Field: "context_slug", Message: "a slug is required for the slug context type"}
	}
	return newOperationContext(ContextSlug, namespace, slug, Payload{}), nil
}

func newOperationContext(typ ContextType, namespace, slug string, extra Payload) *OperationContext {
	data := NewPayload("type", string(typ), "namespace", namespace)
	for _, k := range extra.Keys() {
		v, _ := extra.Get(k)
		data.Set(k, v)
	}
	return &OperationContext{typ: typ, slug: slug, data: data}
}

// Context implements ContextProvider.
func (c *OperationContext) Context() Payload {
	return c.data.Clone()
}

// ContextType implements ContextProvider.
func (c *OperationContext) ContextType() string {
	return string(c.typ)
}

// ContextSlug implements ContextProvider.
func (c *OperationContext) ContextSlug() string {
	return c.slug
}
