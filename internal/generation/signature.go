package generation

import (
	"strings"

	"parasiteinvoke/internal/metadata"
)

// The map of framework type full names to their C# keywords
var builtInAliases map[string]string = map[string]string{
	"System.Byte":    "byte",
	"System.SByte":   "sbyte",
	"System.Int32":   "int",
	"System.UInt32":  "uint",
	"System.Int16":   "short",
	"System.UInt16":  "ushort",
	"System.Int64":   "long",
	"System.UInt64":  "ulong",
	"System.Single":  "float",
	"System.Double":  "double",
	"System.Boolean": "bool",
	"System.Char":    "char",
	"System.Object":  "object",
	"System.String":  "string",
	"System.Decimal": "decimal",
	"System.Void":    "void",
}

const (
	parameterSeparator = ", "
	arityMarker        = "`"
	bindingFlagsPath   = "System.Reflection.BindingFlags."
)

// Renderer turns signature type references into C# source text.
type Renderer struct {
	aliases map[string]string
}

var defaultRenderer = NewRenderer(nil)

// NewRenderer creates a renderer using the built-in aliases extended by the
// given ones. Extra aliases never replace a built-in entry.
func NewRenderer(extra map[string]string) *Renderer {
	aliases := make(map[string]string, len(builtInAliases)+len(extra))
	for fullName, alias := range extra {
		aliases[fullName] = alias
	}
	for fullName, alias := range builtInAliases {
		aliases[fullName] = alias
	}

	return &Renderer{aliases: aliases}
}

// RenderTypeName renders a type reference using the built-in aliases.
func RenderTypeName(ref metadata.TypeRef) string {
	return defaultRenderer.RenderTypeName(ref)
}

// RenderParameterList renders parameter declarations using the built-in aliases.
func RenderParameterList(params []metadata.Parameter) string {
	return defaultRenderer.RenderParameterList(params)
}

func (renderer *Renderer) RenderTypeName(ref metadata.TypeRef) string {
	switch ref := ref.(type) {
	case metadata.SimpleType:
		return renderer.renderSimple(ref)
	case metadata.GenericType:
		args := make([]string, len(ref.Args))
		for i, arg := range ref.Args {
			args[i] = renderer.RenderTypeName(arg)
		}
		return renderer.renderSimple(ref.Base) + "<" + strings.Join(args, parameterSeparator) + ">"
	case metadata.ArrayType:
		return renderer.RenderTypeName(ref.Elem) + "[]"
	case metadata.PointerType:
		return renderer.RenderTypeName(ref.Elem) + "*"
	case metadata.ByRefType:
		return "ref " + renderer.RenderTypeName(ref.Elem)
	}

	return ""
}

func (renderer *Renderer) renderSimple(ref metadata.SimpleType) string {
	if alias, found := renderer.aliases[ref.FullName]; found {
		return alias
	}

	typeName := strings.ReplaceAll(ref.Name, "/", ".")
	if backTick := strings.Index(typeName, arityMarker); backTick >= 0 {
		typeName = typeName[:backTick]
	}

	return typeName
}

func (renderer *Renderer) RenderParameterList(params []metadata.Parameter) string {
	if len(params) == 0 {
		return ""
	}

	var args strings.Builder
	for _, param := range params {
		args.WriteString(renderer.RenderTypeName(param.Type))
		args.WriteString(" ")
		args.WriteString(param.Name)
		args.WriteString(parameterSeparator)
	}

	return strings.TrimSuffix(args.String(), parameterSeparator)
}

// RenderBindingSelector renders the BindingFlags expression used to look the
// method up: access first, then static-ness.
func RenderBindingSelector(isPublic, isStatic bool) string {
	access := "NonPublic"
	if isPublic {
		access = "Public"
	}

	binding := "Instance"
	if isStatic {
		binding = "Static"
	}

	return bindingFlagsPath + access + " | " + bindingFlagsPath + binding
}
