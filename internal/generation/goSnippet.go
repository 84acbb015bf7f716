package generation

import (
	"bytes"
	"fmt"
	"go/token"
	"strings"
	"unicode"

	"github.com/dave/jennifer/jen"

	"parasiteinvoke/internal"
	"parasiteinvoke/internal/metadata"
)

// The map of framework type full names to the Go types passed to `proc.Call`
var goParamTypes map[string]string = map[string]string{
	"System.Byte":    "uint8",
	"System.SByte":   "int8",
	"System.Int16":   "int16",
	"System.UInt16":  "uint16",
	"System.Int32":   "int32",
	"System.UInt32":  "uint32",
	"System.Int64":   "int64",
	"System.UInt64":  "uint64",
	"System.Single":  "float32",
	"System.Double":  "float64",
	"System.Boolean": "uint32", // marshalled as Win32 BOOL
	"System.Char":    "uint16",
	"System.String":  "string",
	"System.IntPtr":  "uintptr",
	"System.UIntPtr": "uintptr",
}

func (synthesizer *Synthesizer) synthesizeGo(method metadata.ForeignMethod) string {
	ansi := method.CharSet.AnsiStrings()

	function := jen.Func().Id(goIdentifier(method.EntryPoint)).ParamsFunc(func(g *jen.Group) {
		for _, param := range method.Params {
			g.Id(goIdentifier(param.Name)).Add(goParamType(param.Type))
		}
	}).Params(jen.Uintptr(), jen.Error()).BlockFunc(func(g *jen.Group) {
		g.Id("dll").Op(":=").Qual("syscall", "NewLazyDLL").Call(jen.Lit(method.Library))
		g.Id("proc").Op(":=").Id("dll").Dot("NewProc").Call(jen.Lit(method.EntryPoint))
		g.List(jen.Id("r1"), jen.Id("_"), jen.Id("err")).Op(":=").Id("proc").Dot("Call").CallFunc(func(g *jen.Group) {
			for _, param := range method.Params {
				g.Add(goArgument(param, ansi))
			}
		})
		g.Return(jen.Id("r1"), jen.Id("err"))
	})

	var code bytes.Buffer
	// identifiers are sanitized above, a render failure is a bug here
	internal.PanicOnError(function.Render(&code))

	var snippet strings.Builder
	fmt.Fprintf(&snippet, "\nMethod: %s\n", method.EntryPoint)
	snippet.WriteString("\t===PARASITE INVOKE GO SIGNATURE===\n")
	for _, line := range strings.Split(strings.TrimRight(code.String(), "\n"), "\n") {
		snippet.WriteString("\t" + line + "\n")
	}
	snippet.WriteString("\t===END SIGNATURE===\n")

	return snippet.String()
}

func goParamType(ref metadata.TypeRef) jen.Code {
	if simple, ok := ref.(metadata.SimpleType); ok {
		if goType, found := goParamTypes[simple.FullName]; found {
			return jen.Id(goType)
		}
	}

	return jen.Qual("unsafe", "Pointer")
}

// Converts one parameter to the uintptr expected by `proc.Call`.
func goArgument(param metadata.Parameter, ansi bool) jen.Code {
	name := goIdentifier(param.Name)

	simple, ok := param.Type.(metadata.SimpleType)
	if !ok {
		return jen.Id("uintptr").Call(jen.Id(name))
	}

	switch simple.FullName {
	case "System.String":
		stringPtr := "StringToUTF16Ptr"
		if ansi {
			stringPtr = "StringBytePtr"
		}
		return jen.Id("uintptr").Call(jen.Qual("unsafe", "Pointer").Call(jen.Qual("syscall", stringPtr).Call(jen.Id(name))))
	case "System.Single":
		return jen.Id("uintptr").Call(jen.Qual("math", "Float32bits").Call(jen.Id(name)))
	case "System.Double":
		return jen.Id("uintptr").Call(jen.Qual("math", "Float64bits").Call(jen.Id(name)))
	}

	return jen.Id("uintptr").Call(jen.Id(name))
}

// Turns a metadata name into a valid Go identifier.
func goIdentifier(name string) string {
	var identifier strings.Builder
	for i, r := range name {
		switch {
		case unicode.IsLetter(r) || r == '_':
			identifier.WriteRune(r)
		case unicode.IsDigit(r):
			if i == 0 {
				identifier.WriteRune('_')
			}
			identifier.WriteRune(r)
		default:
			identifier.WriteRune('_')
		}
	}

	result := identifier.String()
	if result == "" {
		return "_arg"
	}
	if token.IsKeyword(result) {
		return result + "_"
	}

	return result
}
